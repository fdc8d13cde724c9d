package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

// MockArchive implements Archive for testing
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, _ := io.ReadAll(body)
	args := m.Called(ctx, key, string(data), size, contentType)
	return args.Error(0)
}

func (m *MockArchive) GenerateDownloadURL(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockArchive) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockArchive) DeleteFile(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func TestContentType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"idvg_Vd0p1_Vb0_Vsub0.csv", "text/csv"},
		{"live_currents.PNG", "image/png"},
		{"run.json", "application/json"},
		{"notes.txt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentType(tt.name))
		})
	}
}

func TestValidateContentType(t *testing.T) {
	assert.NoError(t, validateContentType("text/csv"))
	assert.NoError(t, validateContentType("image/png"))
	assert.Error(t, validateContentType("audio/wav"))
	assert.Error(t, validateContentType(""))
}

func TestRunKey(t *testing.T) {
	assert.Equal(t, "runs/abc/idvd_Vg1_Vb0_Vsub0.csv", RunKey("abc", "idvd_Vg1_Vb0_Vsub0.csv"))
	assert.Equal(t, "runs/abc/mystic_format/idvd.csv", RunKey("abc", filepath.Join("mystic_format", "idvd.csv")))
}

func TestNew_Backends(t *testing.T) {
	a, err := New(context.Background(), Config{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = New(context.Background(), Config{Backend: "ftp"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Backend: BackendMinIO, Bucket: "b"})
	assert.Error(t, err, "minio backend requires an endpoint")

	_, err = New(context.Background(), Config{Backend: BackendS3})
	assert.Error(t, err, "bucket is required")
}

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idvg.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	archive := new(MockArchive)
	archive.On("Upload", mock.Anything, "runs/r1/idvg.csv", "a,b\n1,2\n", int64(8), "text/csv").Return(nil)

	require.NoError(t, UploadFile(context.Background(), archive, "runs/r1/idvg.csv", path))
	archive.AssertExpectations(t)

	err := UploadFile(context.Background(), archive, "k", filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestArchive_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	minioContainer, err := minio.Run(ctx,
		"minio/minio:RELEASE.2024-10-29T16-01-48Z",
		minio.WithUsername("minioadmin"),
		minio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, minioContainer.Terminate(context.Background()))
	})

	endpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	for _, backend := range []string{BackendS3, BackendMinIO} {
		t.Run(backend, func(t *testing.T) {
			archive, err := New(ctx, Config{
				Backend:   backend,
				Bucket:    "ivlab-test-" + uuid.New().String()[:8],
				Endpoint:  endpoint,
				AccessKey: "minioadmin",
				SecretKey: "minioadmin",
			})
			require.NoError(t, err)
			require.NotNil(t, archive)

			dir := t.TempDir()
			path := filepath.Join(dir, "idvd_Vg1_Vb0_Vsub0.csv")
			content := []byte("Vd_src, Vg_src\n1,2\n")
			require.NoError(t, os.WriteFile(path, content, 0o644))

			key := RunKey("run-1", "idvd_Vg1_Vb0_Vsub0.csv")
			require.NoError(t, UploadFile(ctx, archive, key, path))

			data, err := archive.DownloadFile(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, content, data)

			url, err := archive.GenerateDownloadURL(ctx, key)
			require.NoError(t, err)
			assert.Contains(t, url, "idvd_Vg1_Vb0_Vsub0.csv")

			require.NoError(t, archive.DeleteFile(ctx, key))
			_, err = archive.DownloadFile(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
