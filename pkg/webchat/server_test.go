package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatshell/pkg/attachments"
	"github.com/go-go-golems/chatshell/pkg/auth"
	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
	"github.com/go-go-golems/chatshell/pkg/chat/playback"
	"github.com/go-go-golems/chatshell/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatshell/pkg/prefs"
	"github.com/go-go-golems/chatshell/pkg/render"
	"github.com/go-go-golems/chatshell/pkg/shell"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, http.Handler) {
	t.Helper()
	hub := newTestHub(t, HubConfig{})
	srv, err := NewServer(hub, opts...)
	require.NoError(t, err)
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServer_ConfigDefaultsAndConversation(t *testing.T) {
	srv, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/config", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.Equal(t, "Assistant", cfg.Title)

	rec = do(t, h, http.MethodPatch, "/api/config", strings.NewReader(`{"title":"Support"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Support", srv.Hub().Defaults().Title)

	// conversations created afterwards start from the patched defaults
	c, err := srv.Hub().GetOrCreate(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "Support", c.Service().GetConfig().Title)

	rec = do(t, h, http.MethodPatch, "/api/config?conv_id=c1", strings.NewReader(`{"placeholder":"Type here"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Type here", c.Service().GetConfig().Placeholder)
	require.Equal(t, "Support", srv.Hub().Defaults().Title)

	rec = do(t, h, http.MethodGet, "/api/config?conv_id=c1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Type here")

	rec = do(t, h, http.MethodGet, "/api/config?conv_id=missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPatch, "/api/config", strings.NewReader(`{"labels":{"bogus":"x"}}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPatch, "/api/config", strings.NewReader(`{"unknown_field":1}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ShellUsesTokenAndPrefs(t *testing.T) {
	ctx := context.Background()
	store, err := prefs.NewStore(ctx, prefs.NewMemoryPort())
	require.NoError(t, err)
	require.NoError(t, store.SetSidebarCollapsed(ctx, true))

	const secret = "s3cret"
	_, h := newTestServer(t, WithPrefs(store), WithDecoder(auth.NewDecoder(auth.WithSecret(secret))))

	rec := do(t, h, http.MethodGet, "/api/shell?path=/chat", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var anon shell.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anon))
	require.Nil(t, anon.User)
	require.False(t, anon.Gate.Allowed)
	require.Equal(t, "/login?next=%2Fchat", anon.Gate.RedirectTo)
	require.True(t, anon.SidebarCollapsed)

	tok, err := auth.Sign(secret, auth.User{ID: "u1", Name: "Ada", Roles: []string{"admin"}}, time.Hour, time.Now())
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/shell?path=/chat", nil, map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, rec.Code)
	var st shell.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.User)
	require.Equal(t, "Ada", st.User.Name)
	require.True(t, st.Gate.Allowed)
	require.Equal(t, "chat", st.Active)

	// a forged token degrades to anonymous
	forged, err := auth.Sign("other", auth.User{ID: "u1", Name: "Ada"}, time.Hour, time.Now())
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/shell?path=/chat", nil, map[string]string{"Authorization": "Bearer " + forged})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Nil(t, st.User)
}

func TestServer_PrefsAndThemeCSS(t *testing.T) {
	ctx := context.Background()
	store, err := prefs.NewStore(ctx, prefs.NewMemoryPort())
	require.NoError(t, err)
	_, h := newTestServer(t, WithPrefs(store))

	rec := do(t, h, http.MethodPut, "/api/prefs", strings.NewReader(`{"theme":"dark"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, prefs.ThemeDark, store.Theme())

	rec = do(t, h, http.MethodPut, "/api/prefs", strings.NewReader(`{"theme":"sepia"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/theme.css", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/css")
	require.Contains(t, rec.Body.String(), "--background: oklch(0.145 0 0);")

	rec = do(t, h, http.MethodGet, "/api/theme.css?mode=system&prefers_dark=false", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "--background: oklch(1 0 0);")

	rec = do(t, h, http.MethodGet, "/api/theme.css?mode=neon", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/prefs", nil, nil)
	require.Contains(t, rec.Body.String(), `"theme":"dark"`)
}

func multipartUpload(t *testing.T, name, mimeType string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	hdr.Set("Content-Type", mimeType)
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestServer_AttachmentsUploadAndDownload(t *testing.T) {
	files := attachments.NewMemoryStore("/api/attachments/")
	srv, h := newTestServer(t, WithAttachments(files))

	body, ct := multipartUpload(t, "notes.txt", "text/plain", []byte("hello"))
	rec := do(t, h, http.MethodPost, "/api/attachments", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var att chat.Attachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &att))
	require.Equal(t, "notes.txt", att.Name)
	require.Equal(t, int64(5), att.Size)
	require.Equal(t, "/api/attachments/"+att.ID, att.URL)

	rec = do(t, h, http.MethodGet, att.URL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/api/attachments/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body, ct = multipartUpload(t, "tool.exe", "application/x-msdownload", []byte("MZ"))
	rec = do(t, h, http.MethodPost, "/api/attachments", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 1, files.Len())

	disabled := config.FeatureSet{config.FeatureAttachments: {}}
	_, err := srv.Hub().PatchDefaults(config.Patch{DisabledFeatures: &disabled})
	require.NoError(t, err)
	body, ct = multipartUpload(t, "notes.txt", "text/plain", []byte("hello"))
	rec = do(t, h, http.MethodPost, "/api/attachments", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_AttachmentTooLarge(t *testing.T) {
	files := attachments.NewMemoryStore("/files/")
	srv, h := newTestServer(t, WithAttachments(files))
	limit := int64(4)
	policy := srv.Hub().Defaults().AllowedAttachments
	policy.MaxSizeBytes = limit
	_, err := srv.Hub().PatchDefaults(config.Patch{AllowedAttachments: &policy})
	require.NoError(t, err)

	body, ct := multipartUpload(t, "notes.txt", "text/plain", []byte("too long"))
	rec := do(t, h, http.MethodPost, "/api/attachments", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Zero(t, files.Len())
}

func TestServer_TimelineAndConversations(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/api/timeline?conv_id=c1", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/conversations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_RenderMessageWithConfiguredRenderer(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	hub := newTestHub(t, HubConfig{Store: store, Renderer: render.NewMarkdown(), RendererName: "markdown"})
	srv, err := NewServer(hub)
	require.NoError(t, err)
	h := srv.Handler()

	c, err := hub.GetOrCreate(ctx, "c1")
	require.NoError(t, err)
	chunks, err := playback.Scenario("citations", "r1", "")
	require.NoError(t, err)
	for _, ch := range chunks {
		_, err := c.Service().SendResponse(ctx, ch)
		require.NoError(t, err)
	}

	rec := do(t, h, http.MethodGet, "/api/conversations/c1/messages/r1/render", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out renderedMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "markdown", out.Renderer)
	require.Equal(t, "r1", out.MessageID)
	require.Contains(t, out.Body, "2009. [1]")
	require.Contains(t, out.Body, "separately. [2]")
	require.NotContains(t, out.Body, "  [")
	require.Contains(t, out.Body, "<strong>Sources</strong>")
	require.Contains(t, out.Body, `<a href="https://go.dev/doc/faq">Go FAQ</a>`)
	require.Contains(t, out.Body, "(p. 3)")

	rec = do(t, h, http.MethodGet, "/api/conversations/c1/messages/nope/render", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/conversations/unknown/messages/r1/render", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// an evicted conversation is hydrated from the store before rendering
	require.True(t, hub.Evict(ctx, "c1"))
	rec = do(t, h, http.MethodGet, "/api/conversations/c1/messages/r1/render", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "Go FAQ")
	require.Equal(t, 1, hub.Count())
}

func TestServer_RequireAuthGatesConversationRoutes(t *testing.T) {
	const secret = "s3cret"
	files := attachments.NewMemoryStore("/api/attachments/")
	_, h := newTestServer(t,
		WithRequireAuth(),
		WithAttachments(files),
		WithDecoder(auth.NewDecoder(auth.WithSecret(secret))),
	)
	tok, err := auth.Sign(secret, auth.User{ID: "u1", Name: "Ada"}, time.Hour, time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + tok}

	for _, target := range []string{
		"/ws?conv_id=c1",
		"/api/conversations",
		"/api/config",
		"/api/timeline?conv_id=c1",
		"/api/attachments/a1",
		"/api/conversations/c1/messages/m1/render",
	} {
		rec := do(t, h, http.MethodGet, target, nil, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}

	rec := do(t, h, http.MethodGet, "/api/conversations", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/config", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	body, ct := multipartUpload(t, "notes.txt", "text/plain", []byte("hello"))
	rec = do(t, h, http.MethodPost, "/api/attachments", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, files.Len())

	// the shell stays reachable so the client can learn where to log in
	for _, target := range []string{"/healthz", "/api/shell?path=/chat", "/api/theme.css", "/api/prefs"} {
		rec := do(t, h, http.MethodGet, target, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, target)
	}

	forged, err := auth.Sign("other", auth.User{ID: "u1", Name: "Ada"}, time.Hour, time.Now())
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/conversations", nil, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewServer_RequireAuthNeedsUsableDecoder(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	_, err := NewServer(hub, WithRequireAuth())
	require.ErrorContains(t, err, "accepts no tokens")
	_, err = NewServer(hub, WithRequireAuth(), WithDecoder(auth.NewDecoder(auth.AllowUnverified())))
	require.NoError(t, err)
}

func TestServer_RequireAuthAcceptsWebSocketWithToken(t *testing.T) {
	const secret = "s3cret"
	hub := newTestHub(t, HubConfig{})
	srv, err := NewServer(hub, WithRequireAuth(), WithDecoder(auth.NewDecoder(auth.WithSecret(secret))))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?conv_id=c1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	tok, err := auth.Sign(secret, auth.User{ID: "u1", Name: "Ada"}, time.Hour, time.Now())
	require.NoError(t, err)
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + tok}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()
	require.Equal(t, FrameHello, readFrame(t, conn).Type)
}
