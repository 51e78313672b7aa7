package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kopy/cfg"
	"kopy/pkg/domain"
	"kopy/svc/svc"
	"kopy/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	passwordHeader       = "X-Paste-Password"
	maxExpirationMinutes = 1 << 20
	multipartMemory      = 1 << 20
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

// CreateReq accepts the same field names from forms and JSON bodies.
type CreateReq struct {
	Content           string      `json:"content"`
	SenderName        string      `json:"senderName"`
	Password          string      `json:"password"`
	ExpirationMinutes flexMinutes `json:"expirationMinutes"`
	ContentType       string      `json:"contentType"`
}

// flexMinutes takes either a JSON number or a numeric string.
type flexMinutes string

func (f *flexMinutes) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexMinutes(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexMinutes(n.String())
	return nil
}

type CreateResp struct {
	Success     bool      `json:"success"`
	URL         string    `json:"url"`
	ID          string    `json:"id"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ContentType string    `json:"contentType"`
	HasPassword bool      `json:"hasPassword"`
}
type PasteResp struct {
	ID           string    `json:"id"`
	Ciphertext   string    `json:"ciphertext"`
	SenderName   string    `json:"sender_name,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	ContentType  string    `json:"content_type"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	State        string    `json:"state"`
}
type PresetsResp struct {
	Presets []int `json:"presets"`
	Default int   `json:"default"`
}
type UsageResp struct {
	Message     string            `json:"message"`
	Method      string            `json:"method"`
	ContentType []string          `json:"accepts"`
	Fields      map[string]string `json:"fields"`
	Presets     []int             `json:"expirationMinutes"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	limit := 2 * h.cfg.MaxPasteSize
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	req, err := decodeCreateReq(r)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	params, err := req.params()
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	params.BaseURL = baseURL(r, h.cfg)
	res, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.IsValidation(err) {
			log.Warn().Err(err).Str("request_id", requestID).Msg("create rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, CreateResp{
		Success:     true,
		URL:         res.Locator,
		ID:          res.ID,
		ExpiresAt:   res.ExpiresAt,
		ContentType: string(res.ContentType),
		HasPassword: res.HasPassword,
	})
}

func decodeCreateReq(r *http.Request) (*CreateReq, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, domain.ErrUnsupportedMedia
	}
	req := &CreateReq{}
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, bodyErr(err)
		}
		req.fromForm(r)
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, bodyErr(err)
		}
		req.fromForm(r)
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, bodyErr(err)
		}
	default:
		return nil, domain.ErrUnsupportedMedia
	}
	return req, nil
}

// fromForm reads body fields only; query parameters are ignored.
func (req *CreateReq) fromForm(r *http.Request) {
	req.Content = r.PostForm.Get("content")
	req.SenderName = r.PostForm.Get("senderName")
	req.Password = r.PostForm.Get("password")
	req.ExpirationMinutes = flexMinutes(r.PostForm.Get("expirationMinutes"))
	req.ContentType = r.PostForm.Get("contentType")
}

func (req *CreateReq) params() (domain.CreateParams, error) {
	ct, err := domain.ParseContentType(req.ContentType)
	if err != nil {
		return domain.CreateParams{}, err
	}
	ttl, err := parseExpiration(string(req.ExpirationMinutes))
	if err != nil {
		return domain.CreateParams{}, err
	}
	return domain.CreateParams{
		Content:     req.Content,
		SenderName:  req.SenderName,
		Password:    req.Password,
		Expiration:  ttl,
		ContentType: ct,
	}, nil
}

// parseExpiration returns zero for an absent value, which the service
// resolves to the default lifetime.
func parseExpiration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 || minutes > maxExpirationMinutes {
		return 0, domain.ErrInvalidExpiration
	}
	return time.Duration(minutes) * time.Minute, nil
}

func bodyErr(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.ErrBodyTooLarge
	}
	return domain.ErrInvalidRequest
}

// Usage documents the create endpoint for GET requests on it.
func (h *Hdl) Usage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UsageResp{
		Message: "Paste API endpoint. Use POST to create a paste.",
		Method:  http.MethodPost,
		ContentType: []string{
			"multipart/form-data",
			"application/x-www-form-urlencoded",
			"application/json",
		},
		Fields: map[string]string{
			"content":           "required, the text to share",
			"senderName":        "optional",
			"password":          "optional, required again to view",
			"expirationMinutes": "optional, one of the listed values",
			"contentType":       `optional, "text" or "markdown"`,
		},
		Presets: h.presetMinutes(),
	})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		writeErr(w, domain.ErrInvalidID, requestID)
		return
	}
	res, err := h.paste.Retrieve(r.Context(), id, r.Header.Get(passwordHeader))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if res.State == domain.AccessPasswordIncorrect {
		log.Warn().
			Str("paste_id", id).
			Str("request_id", requestID).
			Msg("failed password attempt")
	}
	p := res.Paste
	resp := PasteResp{
		ID:          p.ID,
		Ciphertext:  p.Ciphertext,
		SenderName:  p.SenderName,
		ContentType: string(p.ContentType),
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
		State:       string(res.State),
	}
	if h.cfg.ExposePasswordHash {
		resp.PasswordHash = p.PasswordHash
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	_, def := h.paste.Presets()
	writeJSON(w, http.StatusOK, PresetsResp{
		Presets: h.presetMinutes(),
		Default: int(def / time.Minute),
	})
}

func (h *Hdl) presetMinutes() []int {
	presets, _ := h.paste.Presets()
	out := make([]int, len(presets))
	for i, d := range presets {
		out[i] = int(d / time.Minute)
	}
	return out
}

// writeErr sends only the public message; server-side failures are logged
// with their cause.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.Status(err)
	if status >= http.StatusInternalServerError {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("request failed")
	}
	writeJSON(w, status, domain.ToResp(err))
}
