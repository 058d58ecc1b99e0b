package username

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/readlog/internal/model"
)

// DefaultDebounce は最後のキー入力から確認開始までの既定の待ち時間。
const DefaultDebounce = 500 * time.Millisecond

// Status は入力中のユーザー名の検証状態。
type Status string

const (
	StatusIdle      Status = "idle"
	StatusInvalid   Status = "invalid"
	StatusChecking  Status = "checking"
	StatusAvailable Status = "available"
	StatusTaken     Status = "taken"
	// StatusUnknown はストアエラーで確認できなかった状態。入力は継続でき、UIは控えめな警告を出す。
	StatusUnknown Status = "unknown"
)

// Result は対話的検証の結果。
type Result struct {
	Input     string
	Candidate string
	Status    Status
	Err       error
}

// Recorder は検証結果のメトリクス記録インターフェース。
type Recorder interface {
	RecordUsernameCheck(outcome string)
}

// Validator は入力中のユーザー名をdebounce付きで検証する。
// 書式違反の入力ではストアに問い合わせない。
// 古い候補に対する問い合わせ結果は、現在の入力と一致しない限り状態を更新しない。
type Validator struct {
	checker   *Checker
	debouncer *Debouncer
	logger    *slog.Logger
	recorder  Recorder
	onResult  func(Result)

	mu      sync.Mutex
	current Result
	seq     uint64

	// emitMu はOnResultの呼び出しを直列化する。
	// mu を保持したまま取得してはならない。
	emitMu sync.Mutex
}

// ValidatorConfig はValidatorの設定。
type ValidatorConfig struct {
	Delay    time.Duration
	Logger   *slog.Logger
	Recorder Recorder
	// OnResult は状態が変わるたびに呼ばれる。nilの場合は呼ばない。
	// 古い結果が新しい結果の後に届くことはない。コールバック内でInputを呼んではならない。
	OnResult func(Result)
}

// NewValidator はValidatorを生成する。Delayが0以下の場合はDefaultDebounceを使う。
func NewValidator(checker *Checker, cfg ValidatorConfig) *Validator {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Validator{
		checker:   checker,
		debouncer: NewDebouncer(cfg.Delay),
		logger:    cfg.Logger,
		recorder:  cfg.Recorder,
		onResult:  cfg.OnResult,
		current:   Result{Status: StatusIdle},
	}
}

// Input はキー入力ごとに呼ばれ、検証状態を更新する。
func (v *Validator) Input(text string) {
	candidate := Normalize(text)

	v.mu.Lock()
	if err := ValidateFormat(candidate); err != nil {
		v.debouncer.Cancel()
		res := Result{Input: text, Candidate: candidate, Status: StatusInvalid, Err: err}
		if text == "" {
			res = Result{Status: StatusIdle}
		}
		seq := v.setLocked(res)
		v.mu.Unlock()
		v.publish(res, seq)
		return
	}

	res := Result{Input: text, Candidate: candidate, Status: StatusChecking}
	seq := v.setLocked(res)
	v.debouncer.Schedule(candidate, func(ctx context.Context) {
		v.check(ctx, text, candidate)
	})
	v.mu.Unlock()
	v.publish(res, seq)
}

// Current は最新の検証結果を返す。
func (v *Validator) Current() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Close は保留中の問い合わせを破棄する。
func (v *Validator) Close() {
	v.debouncer.Cancel()
}

// Reset は保留中の問い合わせを破棄し、入力をidleに戻す。
// サインアウト時に前のユーザーの下書きを残さないために使う。
func (v *Validator) Reset() {
	v.mu.Lock()
	v.debouncer.Cancel()
	if v.current.Status == StatusIdle {
		v.mu.Unlock()
		return
	}
	res := Result{Status: StatusIdle}
	seq := v.setLocked(res)
	v.mu.Unlock()
	v.publish(res, seq)
}

func (v *Validator) check(ctx context.Context, text, candidate string) {
	exists, err := v.checker.Exists(ctx, candidate)

	v.mu.Lock()
	if !v.debouncer.IsLatest(candidate) {
		v.mu.Unlock()
		v.logger.Debug("discarding stale username check", slog.String("candidate", candidate))
		return
	}

	res := Result{Input: text, Candidate: candidate}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		v.mu.Unlock()
		return
	case err != nil:
		res.Status = StatusUnknown
		res.Err = err
		v.logger.Warn("username availability check failed",
			slog.String("candidate", candidate),
			slog.String("error", err.Error()),
		)
	case exists:
		res.Status = StatusTaken
		res.Err = &model.ValidationError{Kind: model.ValidationTaken, Value: candidate}
	default:
		res.Status = StatusAvailable
	}
	seq := v.setLocked(res)
	v.mu.Unlock()

	if v.recorder != nil {
		v.recorder.RecordUsernameCheck(string(res.Status))
	}
	v.publish(res, seq)
}

// setLocked は現在の結果を更新し、その通し番号を返す。muを保持して呼ぶ。
func (v *Validator) setLocked(res Result) uint64 {
	v.seq++
	v.current = res
	return v.seq
}

// publish はseqが最新の場合のみOnResultを呼ぶ。
// 後から更新された結果は自分自身で通知されるため、追い越された結果は捨てる。
func (v *Validator) publish(res Result, seq uint64) {
	if v.onResult == nil {
		return
	}

	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	latest := v.seq == seq
	v.mu.Unlock()
	if !latest {
		v.logger.Debug("skipping superseded username result",
			slog.String("candidate", res.Candidate),
			slog.String("status", string(res.Status)),
		)
		return
	}
	v.onResult(res)
}
