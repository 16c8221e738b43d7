package attachments

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatshell/pkg/chat/config"
)

func TestCleanName(t *testing.T) {
	require.Equal(t, "a.txt", CleanName("../../etc/a.txt"))
	require.Equal(t, "b.png", CleanName(`C:\Users\x\b.png`))
	require.Equal(t, "upload", CleanName(""))
	require.Equal(t, "upload", CleanName("/"))
}

func TestPolicyStore(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore("/api/attachments/")
	policy := config.AttachmentPolicy{MIMETypes: []string{"text/plain"}, MaxSizeBytes: 16}
	s := NewPolicyStore(mem, func() config.AttachmentPolicy { return policy })

	att, err := s.Put(ctx, Upload{Name: "dir/notes.txt", Size: -1, Body: strings.NewReader("hello")})
	require.NoError(t, err)
	require.Equal(t, "notes.txt", att.Name)
	require.Equal(t, int64(5), att.Size)
	require.True(t, strings.HasPrefix(att.MIMEType, "text/plain"))
	require.Equal(t, "/api/attachments/"+att.ID, att.URL)

	rc, got, err := s.Open(ctx, att.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.Equal(t, att, got)

	_, err = s.Put(ctx, Upload{Name: "big.txt", Body: strings.NewReader(strings.Repeat("x", 17))})
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = s.Put(ctx, Upload{Name: "img.png", MIMEType: "image/png", Body: bytes.NewReader([]byte{1, 2})})
	require.ErrorContains(t, err, "not an allowed type")

	_, err = s.Put(ctx, Upload{Name: "x"})
	require.Error(t, err)
	require.Equal(t, 1, mem.Len())

	_, _, err = s.Open(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMinioStore(t *testing.T) {
	if os.Getenv("CHATSHELL_TEST_MINIO_ENDPOINT") == "" {
		t.Skip("CHATSHELL_TEST_MINIO_ENDPOINT not set")
	}
	ctx := context.Background()
	cfg := MinioConfig{
		Endpoint:  os.Getenv("CHATSHELL_TEST_MINIO_ENDPOINT"),
		AccessKey: os.Getenv("CHATSHELL_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("CHATSHELL_TEST_MINIO_SECRET_KEY"),
		Bucket:    "chatshell-test",
	}
	s, err := NewMinioStore(ctx, cfg)
	require.NoError(t, err)

	att, err := s.Put(ctx, Upload{Name: "a.txt", MIMEType: "text/plain", Size: 3, Body: strings.NewReader("abc")})
	require.NoError(t, err)
	require.Contains(t, att.URL, att.ID)

	rc, got, err := s.Open(ctx, att.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
	require.Equal(t, "a.txt", got.Name)
}

func TestMinioConfigFromEnv(t *testing.T) {
	t.Setenv("CHATSHELL_MINIO_ENABLED", "true")
	t.Setenv("CHATSHELL_MINIO_BUCKET", "b1")
	t.Setenv("CHATSHELL_MINIO_URL_EXPIRY", "15m")
	c, err := MinioConfigFromEnv()
	require.NoError(t, err)
	require.True(t, c.Enabled)
	require.Equal(t, "b1", c.Bucket)
	require.Equal(t, "localhost:9000", c.Endpoint)
	require.Equal(t, "15m0s", c.URLExpiry.String())
}
