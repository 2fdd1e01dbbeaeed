package voiceserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/element"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/chunked"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/transport"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arrival = time.Date(2024, 3, 9, 17, 4, 5, 0, time.FixedZone("EST", -5*3600))

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	dir := t.TempDir()
	s := New(Config{
		ResponseFile: filepath.Join(dir, "speech_response.mp3"),
		ChimeFile:    filepath.Join(dir, "chime.mp3"),
		UploadDir:    dir,
	}, nil)
	s.now = func() time.Time { return arrival }
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return s, server
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestUploadArchivesWav(t *testing.T) {
	s, server := newTestServer(t)
	pcm := pcm16(0, 1000, -1000, 32767, -32768, 5)

	// Frame the body by hand, one chunk per sample, so the server sees odd
	// chunk boundaries.
	tr := transport.NewTCPTransport(transport.DefaultTimeouts())
	defer tr.Close()
	require.NoError(t, tr.Connect(context.Background(), server.URL+"/upload", http.MethodPost))
	tr.SetHeader("Transfer-Encoding", "chunked")
	tr.SetHeader(element.HeaderSampleRate, "16000")
	tr.SetHeader(element.HeaderBits, "16")
	tr.SetHeader(element.HeaderChannels, "1")
	body := chunked.NewWriter(tr)
	for i := 0; i < len(pcm); i += 3 {
		_, err := body.Write(pcm[i:min(i+3, len(pcm))])
		require.NoError(t, err)
	}
	require.NoError(t, body.Close())

	reader := bufio.NewReader(tr)
	head, err := chunked.ReadResponseHead(reader)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, head.StatusCode)
	reply, err := io.ReadAll(chunked.BodyReader(head, reader))
	require.NoError(t, err)

	name := "20240309T220405Z_16000_16_1.wav"
	assert.Equal(t, "File "+name+" was written, size 12", string(reply))

	f, err := os.Open(filepath.Join(s.config.UploadDir, name))
	require.NoError(t, err)
	defer f.Close()
	decoder := wav.NewDecoder(f)
	buffer, err := decoder.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 16000, buffer.Format.SampleRate)
	assert.Equal(t, 1, buffer.Format.NumChannels)
	assert.Equal(t, []int{0, 1000, -1000, 32767, -32768, 5}, buffer.Data)
}

func TestUploadRejections(t *testing.T) {
	_, server := newTestServer(t)

	// Known length, so the client does not chunk it
	req, err := http.NewRequest(http.MethodPost, server.URL+"/upload", bytes.NewReader(pcm16(1, 2)))
	require.NoError(t, err)
	req.Header.Set(element.HeaderSampleRate, "16000")
	req.Header.Set(element.HeaderBits, "16")
	req.Header.Set(element.HeaderChannels, "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, server.URL+"/upload", bytes.NewReader(pcm16(1, 2)))
	require.NoError(t, err)
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set(element.HeaderSampleRate, "fast")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDecodeSamplesSignExtends(t *testing.T) {
	assert.Equal(t, []int{-1, 1}, decodeSamples([]byte{0xff, 0xff, 0xff, 0x01, 0x00, 0x00}, 3, nil))
	assert.Equal(t, []int{-2}, decodeSamples([]byte{0xfe, 0xff, 0xff, 0xff}, 4, nil))
}

func TestChimeThenResponse(t *testing.T) {
	s, server := newTestServer(t)

	resp, err := http.Get(server.URL + "/speech_response.mp3")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	chime := []byte("ID3 pretend chime")
	require.NoError(t, os.WriteFile(s.config.ChimeFile, chime, 0644))
	resp, err = http.Post(server.URL+"/chime", "application/json", strings.NewReader(`{"counter": 0}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/speech_response.mp3")
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.EqualValues(t, len(chime), resp.ContentLength)
	assert.Equal(t, chime, got)
}

func TestLogRecordsCounter(t *testing.T) {
	s, server := newTestServer(t)

	resp, err := http.Post(server.URL+"/log", "application/json", strings.NewReader(`{"counter": 12}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "this device has been prompted 12 times.", string(body))
	assert.EqualValues(t, 12, s.LastCounter())

	resp, err = http.Post(server.URL+"/log", "application/json", strings.NewReader(`counter=12`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
