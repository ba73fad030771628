package esign

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/auth"
)

const callerHeader = "X-Test-Caller"

func newRouter(service Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", func(c *gin.Context) {
		if h := c.GetHeader(callerHeader); h != "" {
			auth.SetCaller(c, common.HexToAddress(h))
		}
	})
	NewHandler(service).RegisterRoutes(api)
	return r
}

func do(r *gin.Engine, method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(callerHeader, caller.Hex())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerSigningFlow(t *testing.T) {
	s, _ := newTestService()
	r := newRouter(s)
	owner, a := newParty(t), newParty(t)
	base := "/api/v1/esign/documents/" + testHash.Hex()

	w := do(r, http.MethodPost, "/api/v1/esign/documents", common.Address{}, gin.H{"hash": testHash.Hex(), "name": "NDA"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/v1/esign/documents", owner.addr, gin.H{"hash": testHash.Hex(), "name": "NDA"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, http.MethodPost, base+"/requests", owner.addr, gin.H{"signer": a.addr, "name": "Alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, http.MethodGet, base+"/message", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msg struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Contains(t, msg.Message, testHash.Hex())

	w = do(r, http.MethodGet, base+"/certificate", common.Address{}, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "not fully signed yet")

	sig := a.sign(t, testHash)
	w = do(r, http.MethodPost, base+"/sign", a.addr, gin.H{"signature": hexutil.Bytes(sig)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, http.MethodPost, base+"/sign", a.addr, gin.H{"signature": hexutil.Bytes(sig)})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodGet, base+"/stats", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats DocumentStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, DocumentStats{TotalSigners: 1, SignedCount: 1}, stats)

	w = do(r, http.MethodPost, base+"/verify", common.Address{}, gin.H{"signer": a.addr, "signature": hexutil.Bytes(sig)})
	require.Equal(t, http.StatusOK, w.Code)
	var v struct {
		Registry Verification `json:"registry"`
		Offline  Verification `json:"offline"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.True(t, v.Registry.Valid)
	assert.True(t, v.Offline.Valid)
	assert.Equal(t, SourceOffline, v.Offline.Source)

	w = do(r, http.MethodGet, base+"/certificate", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))

	w = do(r, http.MethodGet, base+"/signatures/"+a.addr.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodGet, base+"/signatures/not-an-address", common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerSignWithWrongKey(t *testing.T) {
	s, _ := newTestService()
	r := newRouter(s)
	owner, a, mallory := newParty(t), newParty(t), newParty(t)
	base := "/api/v1/esign/documents/" + testHash.Hex()

	do(r, http.MethodPost, "/api/v1/esign/documents", owner.addr, gin.H{"hash": testHash.Hex(), "name": "NDA"})
	do(r, http.MethodPost, base+"/requests", owner.addr, gin.H{"signer": a.addr})

	w := do(r, http.MethodPost, base+"/sign", a.addr, gin.H{"signature": hexutil.Bytes(mallory.sign(t, testHash))})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = do(r, http.MethodPost, base+"/revoke", a.addr, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, base+"/revoke", owner.addr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodPost, base+"/revoke", owner.addr, nil)
	assert.Equal(t, http.StatusOK, w.Code, "revoking twice is a no-op")

	w = do(r, http.MethodGet, "/api/v1/esign/documents/"+common.Hash{1}.Hex(), common.Address{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
