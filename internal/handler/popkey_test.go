package handler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popkeyd/popkeyd/internal/auth"
	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/middleware"
	"github.com/popkeyd/popkeyd/internal/model"
	"github.com/popkeyd/popkeyd/internal/repository"
	"github.com/popkeyd/popkeyd/internal/service"
)

// memDocs is an in-memory stand-in for the pop key repository.
type memDocs struct {
	mu      sync.Mutex
	records map[model.AssertionRef][]*model.PopKeyRecord
}

func newMemDocs() *memDocs {
	return &memDocs{records: make(map[model.AssertionRef][]*model.PopKeyRecord)}
}

func (f *memDocs) FindLatest(ctx context.Context, ref model.AssertionRef) (*model.PopKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions := f.records[ref]
	if len(versions) == 0 {
		return nil, repository.ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (f *memDocs) Create(ctx context.Context, key model.PopKey) (*model.PopKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records[key.Ref()]) > 0 {
		return nil, repository.ErrDuplicate
	}
	return f.append(key), nil
}

func (f *memDocs) Upsert(ctx context.Context, key model.PopKey) (*model.PopKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.append(key), nil
}

func (f *memDocs) append(key model.PopKey) *model.PopKeyRecord {
	ttl := model.RetentionTTL
	if key.KeyStatus() == model.StatusPending {
		ttl = model.ReservationTTL
	}
	rec := &model.PopKeyRecord{
		PopKey:    key,
		Version:   len(f.records[key.Ref()]),
		TTL:       ttl,
		CreatedAt: time.Now().UTC(),
	}
	f.records[key.Ref()] = append(f.records[key.Ref()], rec)
	return rec
}

// memBlobs is an in-memory write-once blob store.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[model.AssertionFileName]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[model.AssertionFileName]string)}
}

func (f *memBlobs) Exists(ctx context.Context, name model.AssertionFileName) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[name]
	return ok, nil
}

func (f *memBlobs) Write(ctx context.Context, name model.AssertionFileName, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[name]; ok {
		return repository.ErrDuplicate
	}
	f.blobs[name] = content
	return nil
}

func (f *memBlobs) Read(ctx context.Context, name model.AssertionFileName) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.blobs[name]
	if !ok {
		return "", repository.ErrNotFound
	}
	return content, nil
}

func nopLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// testHandler wires a Handler over in-memory stores. The returned docs
// and blobs allow tests to seed and inspect state directly.
func testHandler(t *testing.T) (*Handler, *memDocs, *memBlobs) {
	t.Helper()

	docs := newMemDocs()
	blobs := newMemBlobs()
	log := nopLogger()

	h := &Handler{
		log:          log,
		lifecycleSvc: service.NewLifecycleService(docs, blobs, log),
		assertionSvc: service.NewAssertionService(docs, blobs, log),
	}
	return h, docs, blobs
}

func testKeyToken(t *testing.T) (string, *jose.JSONWebKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwk := &jose.JSONWebKey{Key: &priv.PublicKey}
	raw, err := json.Marshal(jwk)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw), jwk
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestReservePubKey(t *testing.T) {
	h, _, _ := testHandler(t)
	token, jwk := testKeyToken(t)
	wantRef, err := auth.ComputeAssertionRef(model.AlgoSHA256, jwk)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pubkeys",
		jsonBody(t, ReserveRequest{PubKey: token, Algo: "sha256"}))
	w := httptest.NewRecorder()
	h.ReservePubKey(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp PubKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(wantRef), resp.AssertionRef)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, 0, resp.Version)
	assert.Empty(t, resp.FiscalCode)
}

func TestReservePubKeyValidation(t *testing.T) {
	h, _, _ := testHandler(t)
	token, _ := testKeyToken(t)

	cases := []ReserveRequest{
		{PubKey: "", Algo: "sha256"},
		{PubKey: token, Algo: "md5"},
		{PubKey: token, Algo: ""},
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/pubkeys", jsonBody(t, body))
		w := httptest.NewRecorder()
		h.ReservePubKey(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestReservePubKeyConflict(t *testing.T) {
	h, _, _ := testHandler(t)
	token, _ := testKeyToken(t)
	body := ReserveRequest{PubKey: token, Algo: "sha256"}

	w := httptest.NewRecorder()
	h.ReservePubKey(w, httptest.NewRequest(http.MethodPost, "/api/v1/pubkeys", jsonBody(t, body)))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	h.ReservePubKey(w, httptest.NewRequest(http.MethodPost, "/api/v1/pubkeys", jsonBody(t, body)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func activateRequest(t *testing.T, ref model.AssertionRef, body ActivateRequest) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/pubkeys/"+string(ref), jsonBody(t, body))
	req.SetPathValue("assertion_ref", string(ref))
	return req
}

func TestActivatePubKey(t *testing.T) {
	h, _, _ := testHandler(t)
	token, jwk := testKeyToken(t)
	ref, err := auth.ComputeAssertionRef(model.AlgoSHA256, jwk)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ReservePubKey(w, httptest.NewRequest(http.MethodPost, "/api/v1/pubkeys",
		jsonBody(t, ReserveRequest{PubKey: token, Algo: "sha256"})))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	h.ActivatePubKey(w, activateRequest(t, ref, ActivateRequest{
		FiscalCode:    "RSSMRA85T10A562S",
		Assertion:     "<saml:Assertion/>",
		AssertionType: "SAML",
		ExpiresAt:     time.Now().Add(24 * time.Hour).UTC(),
	}))

	require.Equal(t, http.StatusOK, w.Code)
	var resp PubKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(ref), resp.AssertionRef)
	assert.Equal(t, "VALID", resp.Status)
	assert.Equal(t, "RSSMRA85T10A562S", resp.FiscalCode)
	assert.NotEmpty(t, resp.AssertionFileName)
	require.NotNil(t, resp.ExpiresAt)
}

func TestActivatePubKeyValidation(t *testing.T) {
	h, _, _ := testHandler(t)
	const ref = "sha256-p1vg0lBYO2DDmahoWfPprfNUqhBog0POByMUTKZCTw4"
	expiresAt := time.Now().Add(24 * time.Hour)

	cases := []ActivateRequest{
		{FiscalCode: "NOTACODE", Assertion: "x", AssertionType: "SAML", ExpiresAt: expiresAt},
		{FiscalCode: "RSSMRA85T10A562S", Assertion: "x", AssertionType: "JWT", ExpiresAt: expiresAt},
		{FiscalCode: "RSSMRA85T10A562S", Assertion: "", AssertionType: "SAML", ExpiresAt: expiresAt},
		{FiscalCode: "RSSMRA85T10A562S", Assertion: "x", AssertionType: "SAML"},
	}
	for _, body := range cases {
		w := httptest.NewRecorder()
		h.ActivatePubKey(w, activateRequest(t, ref, body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestActivatePubKeyUnknownRef(t *testing.T) {
	h, _, _ := testHandler(t)

	w := httptest.NewRecorder()
	h.ActivatePubKey(w, activateRequest(t, "sha256-p1vg0lBYO2DDmahoWfPprfNUqhBog0POByMUTKZCTw4", ActivateRequest{
		FiscalCode:    "RSSMRA85T10A562S",
		Assertion:     "<saml:Assertion/>",
		AssertionType: "SAML",
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAssertionScopeMismatch(t *testing.T) {
	h, _, _ := testHandler(t)
	const ref = "sha256-p1vg0lBYO2DDmahoWfPprfNUqhBog0POByMUTKZCTw4"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/assertions/"+ref, nil)
	req.SetPathValue("assertion_ref", ref)
	// Token scoped to a different key.
	ctx := context.WithValue(req.Context(), middleware.AuthAssertionRefKey,
		"sha256-XXXg0lBYO2DDmahoWfPprfNUqhBog0POByMUTKZCTw4")
	w := httptest.NewRecorder()
	h.GetAssertion(w, req.WithContext(ctx))

	assert.Equal(t, http.StatusForbidden, w.Code)
}
