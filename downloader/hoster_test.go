package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"megafetch/internal"
	"megafetch/megacrypt"
	"megafetch/metrics"
	"megafetch/utils"
)

func newTestHoster(fm *fakeMega, m *metrics.Metrics) *MegaHoster {
	h := NewMegaHoster(HosterOptions{
		HTTPClient: fastClient(),
		APIURL:     fm.APIURL(),
		VerifyMAC:  true,
		Metrics:    m,
	})
	h.engine.retryDelay = 0
	h.engine.planner.backoffUnit = 0
	return h
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func assertMissing(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should not exist", p)
		}
	}
}

func TestMegaHoster_Process(t *testing.T) {
	fixture := newMegaFixture(t, "Ab3dEf6h", "movie.mkv", testPayload(150000))
	fm := newFakeMega(t, fixture)
	m := metrics.NewMetrics()
	dir := t.TempDir()

	artifact, err := newTestHoster(fm, m).Process(context.Background(), fixture.Link(),
		&internal.DownloadConfig{OutputPath: dir, Threads: 2, Quiet: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	finalPath := filepath.Join(dir, "movie.mkv")
	if artifact.Path != finalPath {
		t.Errorf("Expected artifact at %s, got %s", finalPath, artifact.Path)
	}
	if artifact.Size != int64(len(fixture.Plaintext)) {
		t.Errorf("Expected %d plaintext bytes, got %d", len(fixture.Plaintext), artifact.Size)
	}

	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("Failed to read decrypted file: %v", err)
	}
	if !bytes.Equal(got, fixture.Plaintext) {
		t.Fatal("Decrypted content does not match the original")
	}

	encrypted := finalPath + megacrypt.EncryptedSuffix
	assertMissing(t, encrypted, encrypted+utils.PartSuffix, MetadataPath(encrypted), finalPath+utils.PartSuffix)

	body := scrape(t, m)
	for _, want := range []string{
		"megafetch_decrypted_bytes_total 150000",
		"megafetch_downloaded_bytes_total 150000",
		`megafetch_api_calls_total{api="g",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMegaHoster_ProcessExplicitOutput(t *testing.T) {
	fixture := newMegaFixture(t, "Ab3dEf6h", "movie.mkv", testPayload(1000))
	fm := newFakeMega(t, fixture)
	target := filepath.Join(t.TempDir(), "renamed.bin")

	artifact, err := newTestHoster(fm, nil).Process(context.Background(), fixture.Link(),
		&internal.DownloadConfig{OutputPath: target, Threads: 1, Quiet: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if artifact.Path != target {
		t.Errorf("Expected %s, got %s", target, artifact.Path)
	}
}

func TestMegaHoster_ProcessOffline(t *testing.T) {
	fixture := newMegaFixture(t, "Ab3dEf6h", "movie.mkv", testPayload(100))
	fm := newFakeMega(t) // no files
	m := metrics.NewMetrics()
	dir := t.TempDir()

	_, err := newTestHoster(fm, m).Process(context.Background(), fixture.Link(),
		&internal.DownloadConfig{OutputPath: dir, Threads: 1, Quiet: true})

	hosterErr, ok := internal.AsHosterError(err)
	if !ok || hosterErr.Outcome != internal.OutcomeOffline {
		t.Fatalf("Expected offline outcome, got %v", err)
	}
	if atomic.LoadInt32(&fm.fileRequests) != 0 {
		t.Error("Offline files must not be downloaded")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("No files should be written, found %d", len(entries))
	}
	if body := scrape(t, m); !strings.Contains(body, `megafetch_outcomes_total{outcome="offline"} 1`) {
		t.Error("offline outcome not counted")
	}
}

func TestMegaHoster_Decrypt(t *testing.T) {
	fixture := newMegaFixture(t, "Ab3dEf6h", "notes.txt", testPayload(70000))
	fm := newFakeMega(t)
	dir := t.TempDir()
	encrypted := filepath.Join(dir, "notes.txt.crypted")
	if err := os.WriteFile(encrypted, fixture.Ciphertext, 0644); err != nil {
		t.Fatal(err)
	}

	artifact, err := newTestHoster(fm, nil).Decrypt(context.Background(), encrypted, fixture.EncodedKey, "", true)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if artifact.Path != filepath.Join(dir, "notes.txt") {
		t.Errorf("Unexpected output path %s", artifact.Path)
	}

	got, _ := os.ReadFile(artifact.Path)
	if !bytes.Equal(got, fixture.Plaintext) {
		t.Error("Decrypted content does not match")
	}
	assertMissing(t, encrypted)
}

func TestMegaHoster_DecryptMACMismatch(t *testing.T) {
	fixture := newMegaFixture(t, "Ab3dEf6h", "notes.txt", testPayload(70000))
	fm := newFakeMega(t)
	dir := t.TempDir()
	encrypted := filepath.Join(dir, "notes.txt.crypted")
	os.WriteFile(encrypted, fixture.Ciphertext, 0644)

	// Same cipher key and IV, different MAC words
	tampered := *fixture.Key
	tampered.MetaMAC[0] ^= 1

	_, err := newTestHoster(fm, nil).Decrypt(context.Background(), encrypted, megacrypt.EncodeFileKey(&tampered), "", true)
	hosterErr, ok := internal.AsHosterError(err)
	if !ok || hosterErr.Type != internal.ErrDecryptionFailed {
		t.Fatalf("Expected decryption error, got %v", err)
	}

	var integrityErr *megacrypt.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Errorf("Expected integrity error in the chain, got %v", err)
	}

	if _, statErr := os.Stat(encrypted); statErr != nil {
		t.Error("Encrypted body should be kept after a failed decryption")
	}
	decrypted := filepath.Join(dir, "notes.txt")
	assertMissing(t, decrypted)

	// The whole body was decrypted before the MAC check failed
	info, statErr := os.Stat(decrypted + utils.PartSuffix)
	if statErr != nil {
		t.Fatalf("Partial output should be kept after a failed decryption: %v", statErr)
	}
	if info.Size() != int64(len(fixture.Plaintext)) {
		t.Errorf("Expected %d bytes in the partial output, got %d", len(fixture.Plaintext), info.Size())
	}
}

func TestMegaHoster_DecryptBadKey(t *testing.T) {
	fm := newFakeMega(t)
	dir := t.TempDir()
	encrypted := filepath.Join(dir, "x.crypted")
	os.WriteFile(encrypted, []byte("data"), 0644)

	_, err := newTestHoster(fm, nil).Decrypt(context.Background(), encrypted, "short", "", true)
	hosterErr, ok := internal.AsHosterError(err)
	if !ok || hosterErr.Type != internal.ErrDecryptionFailed {
		t.Fatalf("Expected decryption error, got %v", err)
	}
	var keyErr *megacrypt.MalformedKeyError
	if !errors.As(err, &keyErr) {
		t.Errorf("Expected malformed key error in the chain, got %v", err)
	}

	_, err = newTestHoster(fm, nil).Decrypt(context.Background(), filepath.Join(dir, "missing.crypted"),
		megacrypt.EncodeBase64URL(make([]byte, megacrypt.FileKeySize)), "", true)
	if err == nil {
		t.Error("Expected error for a missing input file")
	}
}

func TestMegaHoster_Resume(t *testing.T) {
	fixture := newMegaFixture(t, "Ab3dEf6h", "movie.mkv", testPayload(50000))
	fm := newFakeMega(t, fixture)
	h := newTestHoster(fm, nil)
	dir := t.TempDir()
	encrypted := filepath.Join(dir, "movie.mkv.crypted")

	// An interrupted download whose URL has since expired
	meta := &internal.FileMetadata{
		Filename:   "movie.mkv",
		Size:       int64(len(fixture.Ciphertext)),
		DirectURL:  "http://127.0.0.1:1/expired",
		NodeID:     fixture.NodeID,
		Public:     true,
		EncodedKey: fixture.EncodedKey,
	}
	segments := h.engine.planner.CalculateSegments(meta.Size, 1)
	if err := os.WriteFile(encrypted+utils.PartSuffix, make([]byte, meta.Size), 0644); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.planner.SaveResumeMetadata(encrypted, meta, segments); err != nil {
		t.Fatal(err)
	}

	artifact, err := h.Resume(context.Background(), encrypted+utils.PartSuffix,
		&internal.DownloadConfig{Threads: 1, Quiet: true})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if artifact.Path != filepath.Join(dir, "movie.mkv") {
		t.Errorf("Unexpected output path %s", artifact.Path)
	}
	got, _ := os.ReadFile(artifact.Path)
	if !bytes.Equal(got, fixture.Plaintext) {
		t.Error("Resumed and decrypted content does not match")
	}
	if fm.command()["p"] != fixture.NodeID {
		t.Error("Resume should resolve the node again")
	}
	assertMissing(t, encrypted, encrypted+utils.PartSuffix, MetadataPath(encrypted))
}

func TestMegaHoster_ResumeErrors(t *testing.T) {
	fm := newFakeMega(t)
	h := newTestHoster(fm, nil)
	dir := t.TempDir()

	_, err := h.Resume(context.Background(), filepath.Join(dir, "none.crypted.part"), nil)
	hosterErr, ok := internal.AsHosterError(err)
	if !ok || hosterErr.Type != internal.ErrResumeDataCorrupted {
		t.Fatalf("Expected corrupted resume data error, got %v", err)
	}

	keyless := filepath.Join(dir, "keyless.crypted")
	h.engine.planner.SaveResumeMetadata(keyless, &internal.FileMetadata{Filename: "keyless", Size: 10, NodeID: "n1"}, nil)

	_, err = h.Resume(context.Background(), keyless, nil)
	hosterErr, ok = internal.AsHosterError(err)
	if !ok || hosterErr.Type != internal.ErrResumeIncompatible {
		t.Fatalf("Expected resume incompatible error, got %v", err)
	}
}
