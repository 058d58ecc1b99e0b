package model

// BookSummary は検索結果の1件を表す。
type BookSummary struct {
	ID               string   `json:"id"` // "OL45804W" 形式のワークID
	Title            string   `json:"title"`
	Authors          []string `json:"authors"`
	FirstPublishYear int      `json:"first_publish_year,omitempty"`
	CoverURL         string   `json:"cover_url,omitempty"`
}

// BookDetail は書籍の詳細情報を表す。
// Descriptionはサニタイズ済みのHTML。
type BookDetail struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Subjects    []string `json:"subjects,omitempty"`
	CoverURL    string   `json:"cover_url,omitempty"`
}
