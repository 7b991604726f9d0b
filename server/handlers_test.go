package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"audiosplit/core/audio"
	"audiosplit/core/splitter"
	"audiosplit/core/workspace"
	"audiosplit/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteSegmenter writes one segment per segmentSeconds bytes of input.
type byteSegmenter struct {
	mu          sync.Mutex
	lastSeconds int
	lastInput   string
	splitErr    error
	versionErr  error
	panicValue  interface{}
}

func (b *byteSegmenter) Split(ctx context.Context, inputFile, outputPattern string, segmentSeconds int) error {
	b.mu.Lock()
	b.lastSeconds = segmentSeconds
	b.lastInput = inputFile
	b.mu.Unlock()
	if b.panicValue != nil {
		panic(b.panicValue)
	}
	if b.splitErr != nil {
		return b.splitErr
	}
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return err
	}
	for i := 0; len(data) > 0; i++ {
		n := min(segmentSeconds, len(data))
		if err := os.WriteFile(fmt.Sprintf(outputPattern, i), data[:n], 0644); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (b *byteSegmenter) Version(ctx context.Context) (string, error) {
	if b.versionErr != nil {
		return "", b.versionErr
	}
	return "ffmpeg version 7.0-test", nil
}

func (b *byteSegmenter) seconds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeconds
}

func (b *byteSegmenter) input() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastInput
}

// urlPublisher hands out URLs without storing anything.
type urlPublisher struct{}

func (urlPublisher) PublishSegment(ctx context.Context, sessionID string, file audio.SegmentFile) (string, error) {
	return "https://objects.test/sessions/" + sessionID + "/" + file.Name, nil
}

func (urlPublisher) DeleteSession(ctx context.Context, sessionID string) error {
	return nil
}

// jsonManifests stores serialized envelopes, as the Redis cache does.
type jsonManifests struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (m *jsonManifests) SaveManifest(ctx context.Context, resp *model.SplitResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[resp.SessionID] = data
	return nil
}

func (m *jsonManifests) LoadManifest(ctx context.Context, sessionID string) (*model.SplitResponse, error) {
	m.mu.Lock()
	data, ok := m.items[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, splitter.ErrManifestNotFound
	}
	var resp model.SplitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *jsonManifests) DeleteManifest(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}

type testEnv struct {
	server  *httptest.Server
	seg     *byteSegmenter
	workDir string
}

func newTestEnv(t *testing.T, maxBody int64) *testEnv {
	t.Helper()
	return newTestEnvWith(t, maxBody, nil, nil)
}

func newTestEnvWith(t *testing.T, maxBody int64, publisher splitter.SegmentPublisher, manifests splitter.ManifestStore) *testEnv {
	t.Helper()
	workDir := t.TempDir()
	seg := &byteSegmenter{}
	svc := splitter.NewService(workspace.NewManager(workDir), seg, publisher, manifests, splitter.Options{
		DefaultSegmentTime: 900,
		MaxSegmentTime:     86400,
		MaxConcurrentJobs:  4,
		AdmissionTimeout:   10 * time.Second,
	})
	srv := httptest.NewServer(NewRouter(NewAPIHandler(svc, maxBody)))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, seg: seg, workDir: workDir}
}

func (e *testEnv) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "session files left behind")
}

type multipartField struct {
	name, fileName, value string
}

func multipartBody(t *testing.T, fields ...multipartField) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if f.fileName != "" {
			fw, err := mw.CreateFormFile(f.name, f.fileName)
			require.NoError(t, err)
			_, err = fw.Write([]byte(f.value))
			require.NoError(t, err)
			continue
		}
		require.NoError(t, mw.WriteField(f.name, f.value))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func joinSegments(t *testing.T, segments []model.Segment) string {
	t.Helper()
	var sb strings.Builder
	for i, s := range segments {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, fmt.Sprintf("segment_%03d.m4a", i), s.FileName)
		data, err := base64.StdEncoding.DecodeString(s.Data)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), s.Size)
		sb.Write(data)
	}
	return sb.String()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	t.Run("Healthy", func(t *testing.T) {
		resp, err := http.Get(env.server.URL + "/health")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body model.HealthResponse
		decodeBody(t, resp, &body)
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "ffmpeg version 7.0-test", body.ToolVersion)
	})

	t.Run("Unhealthy", func(t *testing.T) {
		env.seg.versionErr = audio.ErrToolUnavailable
		defer func() { env.seg.versionErr = nil }()

		resp, err := http.Get(env.server.URL + "/health")
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		var body map[string]string
		decodeBody(t, resp, &body)
		assert.Equal(t, map[string]string{"status": "unhealthy", "error": "ffmpeg not available"}, body)
	})
}

func TestSplitAudioMultipart(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	input := "abcdefghijklmnopqrstuvwxyz"

	body, ct := multipartBody(t,
		multipartField{name: "file", fileName: "talk.m4a", value: input},
		multipartField{name: "segmentTime", value: "10"},
	)
	resp, err := http.Post(env.server.URL+"/split-audio", ct, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out model.SplitResponse
	decodeBody(t, resp, &out)
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.SessionID)
	assert.Empty(t, out.OriginalFile)
	assert.Equal(t, 3, out.TotalSegments)
	assert.Equal(t, input, joinSegments(t, out.Segments))
	assert.Equal(t, 10, env.seg.seconds())
	env.assertWorkDirEmpty(t)
}

func TestSplitAudioMultipartDefaultsSegmentTime(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	for _, raw := range []string{"", "0", "-5", "soon"} {
		fields := []multipartField{{name: "file", fileName: "a.mp3", value: "xyz"}}
		if raw != "" {
			fields = append(fields, multipartField{name: "segmentTime", value: raw})
		}
		body, ct := multipartBody(t, fields...)
		resp, err := http.Post(env.server.URL+"/split-audio", ct, body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, raw)
		assert.Equal(t, 900, env.seg.seconds(), raw)
	}
	env.assertWorkDirEmpty(t)
}

func TestSplitAudioMissingFile(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	cases := map[string]func() (io.Reader, string){
		"no file part": func() (io.Reader, string) {
			body, ct := multipartBody(t, multipartField{name: "segmentTime", value: "10"})
			return body, ct
		},
		"file field without filename": func() (io.Reader, string) {
			body, ct := multipartBody(t, multipartField{name: "file", value: "plain text"})
			return body, ct
		},
		"not multipart": func() (io.Reader, string) {
			return strings.NewReader(`{"file":"x"}`), "application/json"
		},
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			body, ct := build()
			resp, err := http.Post(env.server.URL+"/split-audio", ct, body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var out map[string]interface{}
			decodeBody(t, resp, &out)
			assert.Equal(t, map[string]interface{}{"error": "No file uploaded"}, out)
			env.assertWorkDirEmpty(t)
		})
	}
}

func TestSplitAudioToolFailure(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.seg.splitErr = &audio.ToolError{ExitCode: 1, Stderr: "secret diagnostic /tmp/path", Err: errors.New("exit status 1")}

	body, ct := multipartBody(t, multipartField{name: "file", fileName: "bad.m4a", value: "garbage"})
	resp, err := http.Post(env.server.URL+"/split-audio", ct, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"audio segmentation failed"}`, string(raw))
	assert.NotContains(t, string(raw), "secret")
	env.assertWorkDirEmpty(t)
}

func TestSplitAudioBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, 512)

	body, ct := multipartBody(t, multipartField{name: "file", fileName: "big.m4a", value: strings.Repeat("x", 4096)})
	resp, err := http.Post(env.server.URL+"/split-audio", ct, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	env.assertWorkDirEmpty(t)
}

func postJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestSplitAudioBase64(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	input := "the quick brown fox jumps"

	resp := postJSON(t, env.server.URL+"/split-audio-base64", map[string]interface{}{
		"fileData":    base64.StdEncoding.EncodeToString([]byte(input)),
		"fileName":    "fox.m4a",
		"segmentTime": "8",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.SplitResponse
	decodeBody(t, resp, &out)
	assert.True(t, out.Success)
	assert.Equal(t, "fox.m4a", out.OriginalFile)
	assert.Equal(t, 4, out.TotalSegments)
	assert.Equal(t, input, joinSegments(t, out.Segments))
	assert.Equal(t, 8, env.seg.seconds())
	env.assertWorkDirEmpty(t)
}

func TestInputPathIgnoresClientFileName(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	resp := postJSON(t, env.server.URL+"/split-audio-base64", map[string]interface{}{
		"fileData": base64.StdEncoding.EncodeToString([]byte("abc")),
		"fileName": "evil.m3u8",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.SplitResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "evil.m3u8", out.OriginalFile)
	assert.Equal(t, "input_"+out.SessionID+".m4a", filepath.Base(env.seg.input()))

	body, ct := multipartBody(t, multipartField{name: "file", fileName: "evil.m3u8", value: "abc"})
	mresp, err := http.Post(env.server.URL+"/split-audio", ct, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, mresp.StatusCode)
	decodeBody(t, mresp, &out)
	assert.Equal(t, "input_"+out.SessionID, filepath.Base(env.seg.input()))
	env.assertWorkDirEmpty(t)
}

func TestSplitAudioBase64AcceptsDataURIAndNumbers(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	resp := postJSON(t, env.server.URL+"/split-audio-base64", map[string]interface{}{
		"fileData":    "data:audio/mp4;base64," + base64.RawURLEncoding.EncodeToString([]byte("hello?>")),
		"segmentTime": 0,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.SplitResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "hello?>", joinSegments(t, out.Segments))
	assert.Equal(t, 900, env.seg.seconds())
}

func TestSplitAudioBase64ClientErrors(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing fileData", `{"fileName":"a.m4a"}`, "No fileData provided"},
		{"empty fileData", `{"fileData":""}`, "No fileData provided"},
		{"bad base64", `{"fileData":"!!!not base64!!!"}`, "Invalid base64 fileData"},
		{"bad json", `{"fileData":`, "Invalid JSON body"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(env.server.URL+"/split-audio-base64", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var out map[string]interface{}
			decodeBody(t, resp, &out)
			assert.Equal(t, map[string]interface{}{"error": tc.want}, out)
			env.assertWorkDirEmpty(t)
		})
	}
}

func TestSplitAudioBase64ReferenceUnavailable(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	resp := postJSON(t, env.server.URL+"/split-audio-base64?delivery=reference", map[string]interface{}{
		"fileData": base64.StdEncoding.EncodeToString([]byte("abc")),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]interface{}
	decodeBody(t, resp, &out)
	assert.Equal(t, "reference delivery is not configured", out["error"])
	env.assertWorkDirEmpty(t)
}

func TestConcurrentBase64Requests(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := strings.Repeat(string(rune('A'+i)), 30+i)
			payload, _ := json.Marshal(map[string]interface{}{
				"fileData":    base64.StdEncoding.EncodeToString([]byte(input)),
				"segmentTime": 7,
			})
			resp, err := http.Post(env.server.URL+"/split-audio-base64", "application/json", bytes.NewReader(payload))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()

			var out model.SplitResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				errs <- err
				return
			}
			var got strings.Builder
			for idx, s := range out.Segments {
				if s.Index != idx {
					errs <- fmt.Errorf("request %d: index %d at position %d", i, s.Index, idx)
					return
				}
				data, _ := base64.StdEncoding.DecodeString(s.Data)
				got.Write(data)
			}
			if got.String() != input {
				errs <- fmt.Errorf("request %d: got %q", i, got.String())
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	env.assertWorkDirEmpty(t)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/split-audio", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestSessionEndpointsWithoutBackends(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	resp, err := http.Get(env.server.URL + "/sessions/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/sessions/6f1c7a52-3c39-4a47-9d57-2f0f7f3a1e55")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/sessions/6f1c7a52-3c39-4a47-9d57-2f0f7f3a1e55", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDecodeBase64Variants(t *testing.T) {
	want := []byte{0xfb, 0xff, 0x01}
	for _, s := range []string{"+/8B", "-_8B", "+/8\nB", "data:audio/mp4;base64,+/8B"} {
		got, err := decodeBase64(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := decodeBase64("%%%")
	assert.Error(t, err)
}

func TestSplitAudioPanicCleansUp(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.seg.panicValue = "segmenter exploded"

	requests := map[string]func() (*http.Response, error){
		"multipart": func() (*http.Response, error) {
			body, ct := multipartBody(t, multipartField{name: "file", fileName: "a.m4a", value: "abcdef"})
			return http.Post(env.server.URL+"/split-audio", ct, body)
		},
		"base64": func() (*http.Response, error) {
			payload := `{"fileData":"` + base64.StdEncoding.EncodeToString([]byte("abcdef")) + `"}`
			return http.Post(env.server.URL+"/split-audio-base64", "application/json", strings.NewReader(payload))
		},
	}

	for name, send := range requests {
		t.Run(name, func(t *testing.T) {
			resp, err := send()
			require.NoError(t, err)
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

			raw, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			require.NoError(t, err)
			assert.JSONEq(t, `{"success":false,"error":"internal server error"}`, string(raw))
			env.assertWorkDirEmpty(t)
		})
	}

	// The admission slot is returned after a panic.
	env.seg.panicValue = nil
	body, ct := multipartBody(t, multipartField{name: "file", fileName: "a.m4a", value: "abcdef"})
	resp, err := http.Post(env.server.URL+"/split-audio", ct, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReferenceManifestKeepsOriginalFile(t *testing.T) {
	env := newTestEnvWith(t, 1<<20, urlPublisher{}, &jsonManifests{items: map[string][]byte{}})

	resp := postJSON(t, env.server.URL+"/split-audio-base64?delivery=reference", map[string]interface{}{
		"fileData":    base64.StdEncoding.EncodeToString([]byte("abcdefghij")),
		"fileName":    "talk.m4a",
		"segmentTime": 4,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.SplitResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "talk.m4a", out.OriginalFile)
	require.Equal(t, 3, out.TotalSegments)
	for _, s := range out.Segments {
		assert.Empty(t, s.Data)
		assert.Equal(t, "https://objects.test/sessions/"+out.SessionID+"/"+s.FileName, s.URL)
	}
	env.assertWorkDirEmpty(t)

	getResp, err := http.Get(env.server.URL + "/sessions/" + out.SessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var cached model.SplitResponse
	decodeBody(t, getResp, &cached)
	assert.Equal(t, out, cached)
	assert.Equal(t, "talk.m4a", cached.OriginalFile)

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/sessions/"+out.SessionID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	getResp, err = http.Get(env.server.URL + "/sessions/" + out.SessionID)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}
