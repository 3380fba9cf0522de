package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/orcabot/orcabot/internal/cookies"
	"github.com/orcabot/orcabot/internal/httpkit"
	"github.com/orcabot/orcabot/internal/types"
)

const (
	defaultWebBase    = "https://www.facebook.com"
	defaultUploadBase = "https://upload.facebook.com"

	// jsonGuard prefixes every AJAX response body.
	jsonGuard = "for (;;);"
)

// webClient covers the adapter operations that ride HTTPS instead of
// the gateway session: media upload, profile lookup, user search, and
// thread metadata.
type webClient struct {
	base       string
	uploadBase string
	cookie     string
	httpClient *http.Client
	logger     *slog.Logger
}

func newWebClient(ck cookies.Map, userAgent string, logger *slog.Logger) *webClient {
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(30 * time.Second),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}
	if userAgent != "" {
		opts = append(opts, httpkit.WithUserAgent(userAgent))
	}
	return &webClient{
		base:       defaultWebBase,
		uploadBase: defaultUploadBase,
		cookie:     ck.Header(),
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// stripJSONGuard removes the anti-hijacking prefix from a response
// body.
func stripJSONGuard(body []byte) []byte {
	return bytes.TrimPrefix(bytes.TrimSpace(body), []byte(jsonGuard))
}

func (w *webClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Cookie", w.cookie)
	req.Header.Set("Origin", defaultWebBase)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		return nil, fmt.Errorf("web request %s: status %d: %s", req.URL.Path, resp.StatusCode, errBody)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return stripJSONGuard(body), nil
}

func (w *webClient) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return w.do(req)
}

// --- Upload ---

type uploadResponse struct {
	Payload struct {
		Metadata []map[string]json.RawMessage `json:"metadata"`
	} `json:"payload"`
	Error int `json:"error"`
}

// metadataIDKeys in endpoint preference order; the response names the
// id after the media family it classified the upload into.
var metadataIDKeys = []string{"image_id", "video_id", "audio_id", "file_id"}

// Upload posts one attachment and returns its platform id.
func (w *webClient) Upload(ctx context.Context, kind MediaKind, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("attachment", filename)
	if err != nil {
		return "", fmt.Errorf("create upload form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("buffer upload: %w", err)
	}
	if err := mw.WriteField("voice_clip", strconv.FormatBool(kind == MediaVoice)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.uploadBase+"/ajax/mercury/upload.php", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := w.do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", kind, err)
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if parsed.Error != 0 {
		return "", fmt.Errorf("upload rejected: error %d", parsed.Error)
	}
	for _, meta := range parsed.Payload.Metadata {
		for _, key := range metadataIDKeys {
			if raw, ok := meta[key]; ok {
				id := strings.Trim(string(raw), `"`)
				if id != "" && id != "null" {
					return id, nil
				}
			}
		}
	}
	return "", fmt.Errorf("upload response carried no attachment id")
}

// --- Profile lookup ---

type profileWire struct {
	Name     string `json:"name"`
	Vanity   string `json:"vanity"`
	ThumbSrc string `json:"thumbSrc"`
	IsFriend bool   `json:"is_friend"`
}

type userInfoResponse struct {
	Payload struct {
		Profiles map[string]profileWire `json:"profiles"`
	} `json:"payload"`
}

// UserInfo fetches profiles for the given ids.
func (w *webClient) UserInfo(ctx context.Context, userIDs []types.ID) (map[types.ID]*UserInfo, error) {
	form := url.Values{}
	for i, id := range userIDs {
		form.Set(fmt.Sprintf("ids[%d]", i), id.String())
	}

	body, err := w.postForm(ctx, "/chat/user_info/", form)
	if err != nil {
		return nil, err
	}

	var parsed userInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}

	out := make(map[types.ID]*UserInfo, len(parsed.Payload.Profiles))
	for key, p := range parsed.Payload.Profiles {
		id, err := types.ParseID(key)
		if err != nil {
			w.logger.Debug("skipping profile with non-numeric id", "id", key)
			continue
		}
		out[id] = &UserInfo{
			ID:         id,
			Name:       p.Name,
			Username:   p.Vanity,
			ProfilePic: p.ThumbSrc,
			IsFriend:   p.IsFriend,
		}
	}
	return out, nil
}

type searchEntry struct {
	UID   types.ID `json:"uid"`
	Text  string   `json:"text"`
	Path  string   `json:"path"`
	Photo string   `json:"photo"`
}

type searchResponse struct {
	Payload struct {
		Entries []searchEntry `json:"entries"`
	} `json:"payload"`
}

// SearchUsers finds users by display name.
func (w *webClient) SearchUsers(ctx context.Context, query string) ([]*UserInfo, error) {
	q := url.Values{}
	q.Set("value", query)
	q.Set("search", "people")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		w.base+"/ajax/typeahead/search.php?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := w.do(req)
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]*UserInfo, 0, len(parsed.Payload.Entries))
	for _, e := range parsed.Payload.Entries {
		if e.UID.IsZero() {
			continue
		}
		username := strings.TrimPrefix(e.Path, "/")
		out = append(out, &UserInfo{
			ID:         e.UID,
			Name:       e.Text,
			Username:   username,
			ProfilePic: e.Photo,
		})
	}
	return out, nil
}

type threadWire struct {
	ThreadFbID   types.ID `json:"thread_fbid"`
	Name         string   `json:"name"`
	ThreadType   int      `json:"thread_type"` // 2 is a group
	Participants []string `json:"participants"`
}

type threadInfoResponse struct {
	Payload struct {
		Threads []threadWire `json:"threads"`
	} `json:"payload"`
}

// ThreadInfo fetches metadata for one thread.
func (w *webClient) ThreadInfo(ctx context.Context, threadID types.ID) (*ThreadInfo, error) {
	form := url.Values{}
	form.Set("threads[thread_fbids][0]", threadID.String())

	body, err := w.postForm(ctx, "/ajax/mercury/thread_info.php", form)
	if err != nil {
		return nil, err
	}

	var parsed threadInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode thread info: %w", err)
	}
	if len(parsed.Payload.Threads) == 0 {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}

	t := parsed.Payload.Threads[0]
	info := &ThreadInfo{
		ID:      t.ThreadFbID,
		Name:    t.Name,
		IsGroup: t.ThreadType == 2,
	}
	// Participants arrive as "fbid:<number>" tokens.
	for _, p := range t.Participants {
		raw := strings.TrimPrefix(p, "fbid:")
		if id, err := types.ParseID(raw); err == nil {
			info.Participants = append(info.Participants, id)
		}
	}
	return info, nil
}
