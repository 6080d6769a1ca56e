package api

import (
	"bytes"
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Row is one preview/result record. Column order follows the backend's JSON
// key order, which a plain map would lose.
type Row struct {
	m *orderedmap.OrderedMap[string, any]
}

var (
	_ json.Marshaler   = Row{}
	_ json.Unmarshaler = (*Row)(nil)
)

// NewRow builds a row from alternating key/value pairs.
func NewRow(kv ...any) Row {
	r := Row{m: orderedmap.New[string, any]()}
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		r.m.Set(k, kv[i+1])
	}
	return r
}

// Columns returns the keys in order.
func (r Row) Columns() []string {
	if r.m == nil {
		return nil
	}
	out := make([]string, 0, r.m.Len())
	for p := r.m.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Get returns the value for a column.
func (r Row) Get(col string) (any, bool) {
	if r.m == nil {
		return nil, false
	}
	return r.m.Get(col)
}

func (r Row) Len() int {
	if r.m == nil {
		return 0
	}
	return r.m.Len()
}

func (r Row) MarshalJSON() ([]byte, error) {
	if r.m == nil {
		return []byte("{}"), nil
	}
	return r.m.MarshalJSON()
}

func (r *Row) UnmarshalJSON(b []byte) error {
	m := orderedmap.New[string, any]()
	if len(bytes.TrimSpace(b)) > 0 && string(bytes.TrimSpace(b)) != "null" {
		if err := m.UnmarshalJSON(b); err != nil {
			return err
		}
	}
	r.m = m
	return nil
}

// ColumnsOf returns the union of row keys in first-seen order.
func ColumnsOf(rows []Row) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		for _, c := range r.Columns() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// ==================== Auth ====================

type SetKeyRequest struct {
	APIKey string `json:"api_key"`
}

type SetKeyResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

type KeyStatusResponse struct {
	HasSessionKey bool `json:"has_session_key"`
	HasSystemKey  bool `json:"has_system_key"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// ==================== Upload ====================

type PasteRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data"`
	Delimiter string `json:"delimiter"`
	HasHeader bool   `json:"has_header"`
}

type UploadResponse struct {
	SessionID   string   `json:"session_id"`
	Filename    string   `json:"filename"`
	Format      string   `json:"format"`
	Rows        int      `json:"rows"`
	Columns     int      `json:"columns"`
	Preview     []Row    `json:"preview"`
	ColumnNames []string `json:"column_names"`
	Message     string   `json:"message"`
}

// ==================== Analysis ====================

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type ColumnInfo struct {
	Name            string   `json:"name"`
	DataType        string   `json:"data_type"`
	InferredMeaning string   `json:"inferred_meaning"`
	NullCount       int      `json:"null_count"`
	NullPercentage  float64  `json:"null_percentage"`
	UniqueCount     int      `json:"unique_count"`
	SampleValues    []any    `json:"sample_values"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	IsPrimaryKey    bool     `json:"is_primary_key"`
	DetectedIssues  []string `json:"detected_issues"`
}

type AnalysisResponse struct {
	SessionID           string       `json:"session_id"`
	Columns             []ColumnInfo `json:"columns"`
	SuggestedTarget     string       `json:"suggested_target,omitempty"`
	DomainInsights      []string     `json:"domain_insights"`
	Warnings            []string     `json:"warnings"`
	QuestionsForUser    []string     `json:"questions_for_user"`
	OverallQualityScore *float64     `json:"overall_quality_score"`
}

// ==================== Cleaning ====================

type CleanRequest struct {
	SessionID       string         `json:"session_id"`
	UserPreferences map[string]any `json:"user_preferences"`
	DomainRules     map[string]any `json:"domain_rules"`
}

type CleaningDecision struct {
	Column       string         `json:"column"`
	Action       string         `json:"action"`
	Reason       string         `json:"reason"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	AffectedRows int            `json:"affected_rows"`
}

type CleaningResponse struct {
	SessionID      string             `json:"session_id"`
	Decisions      []CleaningDecision `json:"decisions,omitempty"`
	CleaningSteps  []string           `json:"cleaning_steps"`
	AppliedChanges string             `json:"applied_changes"`
	// Shape counts are optional; nil means the backend did not report them.
	RowsBefore     *int               `json:"rows_before,omitempty"`
	RowsAfter      *int               `json:"rows_after,omitempty"`
	ColumnsBefore  *int               `json:"columns_before,omitempty"`
	ColumnsAfter   *int               `json:"columns_after,omitempty"`
	Summary        string             `json:"summary"`
	Preview        []Row              `json:"preview"`
	// Older backends name the field cleaned_preview.
	CleanedPreview []Row              `json:"cleaned_preview,omitempty"`
}

// PreviewRows returns whichever preview field the backend populated.
func (r *CleaningResponse) PreviewRows() []Row {
	if len(r.Preview) > 0 {
		return r.Preview
	}
	return r.CleanedPreview
}

// ==================== Feature engineering ====================

type FeatureRequest struct {
	SessionID    string `json:"session_id"`
	TargetColumn string `json:"target_column,omitempty"`
	AutoEngineer bool   `json:"auto_engineer"`
	Instructions string `json:"instructions,omitempty"`
}

type FeatureResponse struct {
	SessionID         string             `json:"session_id"`
	Status            string             `json:"status"`
	NewFeatures       []string           `json:"new_features"`
	CodeGenerated     string             `json:"code_generated"`
	Preview           []Row              `json:"preview"`
	Summary           string             `json:"summary"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

// ==================== Report / Export ====================

type ReportRequest struct {
	SessionID             string `json:"session_id"`
	IncludeVisualizations bool   `json:"include_visualizations"`
	Format                string `json:"format"`
}

type ReportResponse struct {
	SessionID   string   `json:"session_id"`
	Status      string   `json:"status"`
	ReportURL   string   `json:"report_url,omitempty"`
	Summary     string   `json:"summary"`
	Insights    []string `json:"insights"`
	GeneratedAt string   `json:"generated_at,omitempty"`
}

type ExportRequest struct {
	SessionID       string   `json:"session_id"`
	Formats         []string `json:"formats"`
	IncludeOriginal bool     `json:"include_original"`
}

type ExportResponse struct {
	SessionID string            `json:"session_id"`
	Files     map[string]string `json:"files"`
	Summary   string            `json:"summary"`
}

// ==================== ML prep ====================

type MLPrepRequest struct {
	SessionID        string  `json:"session_id"`
	TargetColumn     string  `json:"target_column"`
	TestSize         float64 `json:"test_size"`
	RandomState      int     `json:"random_state"`
	ScalingStrategy  string  `json:"scaling_strategy"`
	EncodingStrategy string  `json:"encoding_strategy"`
}

type MLPrepResponse struct {
	SessionID             string            `json:"session_id"`
	Status                string            `json:"status"`
	ProblemType           string            `json:"problem_type"`
	TrainSamples          int               `json:"train_samples"`
	TestSamples           int               `json:"test_samples"`
	NumFeatures           int               `json:"num_features"`
	EncodedColumns        []string          `json:"encoded_columns"`
	ScaledColumns         []string          `json:"scaled_columns"`
	TargetEncoded         bool              `json:"target_encoded"`
	ClassDistribution     map[string]int    `json:"class_distribution,omitempty"`
	RecommendedAlgorithms []string          `json:"recommended_algorithms"`
	Warnings              []string          `json:"warnings"`
	BestPractices         []string          `json:"best_practices"`
	DownloadURLs          map[string]string `json:"download_urls"`
}

// ==================== Chat ====================

type ChatMessage struct {
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Visualization map[string]any `json:"visualization,omitempty"`
}

type ChatRequest struct {
	SessionID string        `json:"session_id"`
	Message   string        `json:"message"`
	History   []ChatMessage `json:"history"`
}

type ChatResponse struct {
	SessionID     string         `json:"session_id"`
	Response      string         `json:"response"`
	Visualization map[string]any `json:"visualization,omitempty"`
	DataResult    []Row          `json:"data_result,omitempty"`
	CodeExecuted  string         `json:"code_executed,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
