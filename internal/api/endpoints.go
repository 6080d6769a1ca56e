package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
)

// SetKey submits an OpenAI key for validation and storage in the session.
// A rejected key is a successful call with Valid=false.
func (c *Client) SetKey(ctx context.Context, key string) (*SetKeyResponse, error) {
	var out SetKeyResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/auth/set-key", SetKeyRequest{APIKey: key}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveKey deletes the session key server-side.
func (c *Client) RemoveKey(ctx context.Context) error {
	return c.sendJSON(ctx, http.MethodDelete, "/auth/remove-key", nil, nil)
}

// KeyStatus reports which credentials the backend holds for the session.
func (c *Client) KeyStatus(ctx context.Context) (*KeyStatusResponse, error) {
	var out KeyStatusResponse
	if err := c.getJSON(ctx, "/auth/key-status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadFile streams a dataset file as multipart form data. The body is
// written through a pipe, so the file is never held in memory.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader) (*UploadResponse, error) {
	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", path.Base(filename))
		if err == nil {
			_, err = io.Copy(fw, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var out UploadResponse
	req := request{method: http.MethodPost, path: "/upload/file", stream: pr, contentType: mw.FormDataContentType()}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadPaste sends pasted delimited text.
func (c *Client) UploadPaste(ctx context.Context, req PasteRequest) (*UploadResponse, error) {
	req.SessionID = c.SessionID()
	var out UploadResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/upload/paste", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Analyze runs the AI schema/quality analysis.
func (c *Client) Analyze(ctx context.Context) (*AnalysisResponse, error) {
	var out AnalysisResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/analyze/", SessionRequest{SessionID: c.SessionID()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clean asks the backend to clean the current dataset.
func (c *Client) Clean(ctx context.Context, req CleanRequest) (*CleaningResponse, error) {
	req.SessionID = c.SessionID()
	if req.UserPreferences == nil {
		req.UserPreferences = map[string]any{}
	}
	if req.DomainRules == nil {
		req.DomainRules = map[string]any{}
	}
	var out CleaningResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/clean/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EngineerFeatures derives new features on the current dataset.
func (c *Client) EngineerFeatures(ctx context.Context, req FeatureRequest) (*FeatureResponse, error) {
	req.SessionID = c.SessionID()
	var out FeatureResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/feature-engineering/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Report generates a PDF/HTML report.
func (c *Client) Report(ctx context.Context, req ReportRequest) (*ReportResponse, error) {
	req.SessionID = c.SessionID()
	var out ReportResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/report/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export produces download artifacts keyed by format.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*ExportResponse, error) {
	req.SessionID = c.SessionID()
	var out ExportResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/export/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MLPrep builds the encoded/scaled train/test split.
func (c *Client) MLPrep(ctx context.Context, req MLPrepRequest) (*MLPrepResponse, error) {
	req.SessionID = c.SessionID()
	var out MLPrepResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/ml-prep/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat sends one natural-language question with the conversation history.
func (c *Client) Chat(ctx context.Context, message string, history []ChatMessage) (*ChatResponse, error) {
	if history == nil {
		history = []ChatMessage{}
	}
	req := ChatRequest{SessionID: c.SessionID(), Message: message, History: history}
	var out ChatResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/chat/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health pings the backend root health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	u, err := c.ResolveURL("/health")
	if err != nil {
		return nil, err
	}
	body, err := c.fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read health: %w", err)
	}
	var out HealthResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &DecodeError{Endpoint: "/health", Err: err}
	}
	return &out, nil
}

// Download copies a backend download reference (as returned by report,
// export and ML-prep) into w and returns the number of bytes written.
func (c *Client) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	u, err := c.ResolveURL(ref)
	if err != nil {
		return 0, err
	}
	body, err := c.fetch(ctx, u)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("download: %w", err)
	}
	return n, nil
}

// DownloadRef builds the reference for a file in this session's directory.
func (c *Client) DownloadRef(filename string) string {
	return "/api/export/download/" + url.PathEscape(c.SessionID()) + "/" + url.PathEscape(filename)
}

func (c *Client) fetch(ctx context.Context, u string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if id := c.SessionID(); id != "" {
		httpReq.Header.Set(SessionHeader, id)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnreachableError{Host: c.baseURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: extractMessage(b), RequestID: extractRequestID(resp), Endpoint: u}
		return nil, classifyAPIError(apiErr, resp)
	}
	return resp.Body, nil
}

func (r *UploadResponse) validate() error {
	if r.Rows < 0 || r.Columns < 0 {
		return errors.New("negative dataset shape")
	}
	if len(r.ColumnNames) > 0 && len(r.ColumnNames) != r.Columns {
		return fmt.Errorf("column_names has %d entries but columns=%d", len(r.ColumnNames), r.Columns)
	}
	return nil
}

func (r *AnalysisResponse) validate() error {
	if r.OverallQualityScore == nil {
		return errors.New("missing overall_quality_score")
	}
	if s := *r.OverallQualityScore; s < 0 || s > 100 {
		return fmt.Errorf("overall_quality_score %.2f out of range", s)
	}
	return nil
}

func (r *MLPrepResponse) validate() error {
	if r.ProblemType == "" {
		return errors.New("missing problem_type")
	}
	return nil
}
