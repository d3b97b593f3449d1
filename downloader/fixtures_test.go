package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"megafetch/megacrypt"
	"megafetch/utils"
)

// fastClient returns a client that does not wait between attempts
func fastClient() *utils.HTTPClient {
	return utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout: 5 * time.Second,
		RetryConfig: &utils.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Multiplier:  1,
		},
	})
}

// testPayload returns n bytes of a repeating pattern
func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// megaFixture is an encrypted file as the MEGA API would serve it
type megaFixture struct {
	NodeID     string
	Name       string
	EncodedKey string
	Key        *megacrypt.KeyMaterial
	Plaintext  []byte
	Ciphertext []byte
	Attributes string
}

// newMegaFixture encrypts plaintext under a fixed key whose MetaMAC matches the body
func newMegaFixture(t *testing.T, nodeID, name string, plaintext []byte) *megaFixture {
	t.Helper()

	raw := make([]byte, megacrypt.FileKeySize)
	for i := range raw {
		raw[i] = byte(i*7 + 3)
	}
	km, err := megacrypt.DeriveKeyBytes(raw)
	if err != nil {
		t.Fatalf("DeriveKeyBytes: %v", err)
	}
	mac, err := megacrypt.ComputeMetaMAC(km, plaintext)
	if err != nil {
		t.Fatalf("ComputeMetaMAC: %v", err)
	}
	km.MetaMAC = mac

	var ciphertext bytes.Buffer
	if _, err := megacrypt.EncryptStream(context.Background(), &ciphertext, bytes.NewReader(plaintext), km); err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}

	attrs, err := megacrypt.EncryptAttributes(map[string]interface{}{"n": name}, km)
	if err != nil {
		t.Fatalf("EncryptAttributes: %v", err)
	}

	return &megaFixture{
		NodeID:     nodeID,
		Name:       name,
		EncodedKey: megacrypt.EncodeFileKey(km),
		Key:        km,
		Plaintext:  plaintext,
		Ciphertext: ciphertext.Bytes(),
		Attributes: attrs,
	}
}

// Link returns the public share link of the fixture
func (f *megaFixture) Link() string {
	return fmt.Sprintf("https://mega.co.nz/#!%s!%s", f.NodeID, f.EncodedKey)
}

// fakeMega serves the "g" command on /cs and the encrypted bodies on /dl/<node>
type fakeMega struct {
	server *httptest.Server

	mu          sync.Mutex
	fixtures    map[string]*megaFixture
	reply       string
	lastCommand map[string]interface{}
	lastQuery   url.Values
	lastType    string

	apiCalls     int32
	fileRequests int32
}

func newFakeMega(t *testing.T, fixtures ...*megaFixture) *fakeMega {
	t.Helper()

	fm := &fakeMega{fixtures: make(map[string]*megaFixture)}
	for _, f := range fixtures {
		fm.fixtures[f.NodeID] = f
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cs", fm.handleAPI)
	mux.HandleFunc("/dl/", fm.handleFile)
	fm.server = httptest.NewServer(mux)
	t.Cleanup(fm.server.Close)
	return fm
}

// APIURL is the command endpoint of the fake
func (fm *fakeMega) APIURL() string {
	return fm.server.URL + "/cs"
}

// SetReply makes /cs answer every call with body verbatim
func (fm *fakeMega) SetReply(body string) {
	fm.mu.Lock()
	fm.reply = body
	fm.mu.Unlock()
}

func (fm *fakeMega) handleAPI(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&fm.apiCalls, 1)

	var cmds []map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil || len(cmds) != 1 {
		w.Write([]byte("-2"))
		return
	}

	fm.mu.Lock()
	fm.lastCommand = cmds[0]
	fm.lastQuery = r.URL.Query()
	fm.lastType = r.Header.Get("Content-Type")
	reply := fm.reply
	fm.mu.Unlock()

	if reply != "" {
		w.Write([]byte(reply))
		return
	}

	node, _ := cmds[0]["p"].(string)
	if node == "" {
		node, _ = cmds[0]["n"].(string)
	}
	fm.mu.Lock()
	f, ok := fm.fixtures[node]
	fm.mu.Unlock()
	if !ok {
		w.Write([]byte("[-9]"))
		return
	}

	json.NewEncoder(w).Encode([]map[string]interface{}{{
		"s":  len(f.Ciphertext),
		"at": f.Attributes,
		"g":  fm.server.URL + "/dl/" + f.NodeID,
	}})
}

func (fm *fakeMega) handleFile(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&fm.fileRequests, 1)

	fm.mu.Lock()
	f, ok := fm.fixtures[strings.TrimPrefix(r.URL.Path, "/dl/")]
	fm.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(f.Ciphertext))
}

func (fm *fakeMega) command() map[string]interface{} {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.lastCommand
}
