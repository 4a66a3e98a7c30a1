package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/logmanager"
	"github.com/msglog-engine/go-core/internal/store"
	"github.com/msglog-engine/go-core/internal/store/storetest"
	"github.com/msglog-engine/go-core/internal/timestamp"
	"github.com/msglog-engine/go-core/pkg/types"
)

type stubMessageLog struct {
	logged   *types.LogMessage
	logErr   error
	found    *types.MessageRecord
	findErr  error
	query    string
	client   types.ClientID
	response *bool
	stamped  int64
	stampErr error
}

func (s *stubMessageLog) Log(ctx context.Context, msg *types.LogMessage) (*types.MessageRecord, error) {
	s.logged = msg
	if s.logErr != nil {
		return nil, s.logErr
	}
	return &types.MessageRecord{ID: 42, QueryID: msg.QueryID, Client: msg.Client, Kind: types.MessageKindSOAP}, nil
}

func (s *stubMessageLog) FindByQueryID(ctx context.Context, queryID string, client types.ClientID, response *bool) (*types.MessageRecord, error) {
	s.query, s.client, s.response = queryID, client, response
	return s.found, s.findErr
}

func (s *stubMessageLog) Timestamp(ctx context.Context, recordID int64) (*types.TimestampRecord, error) {
	s.stamped = recordID
	if s.stampErr != nil {
		return nil, s.stampErr
	}
	return &types.TimestampRecord{ID: 100, Token: []byte("token"), HashChainResult: "<result/>"}, nil
}

var testClient = types.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "1234", SubsystemCode: "CLIENT"}

func validRequest() LogMessageRequest {
	return LogMessageRequest{
		QueryID:    "q-1",
		Client:     testClient,
		Signature:  types.SignatureData{SignatureXML: "<ds:Signature/>"},
		Message:    []byte("<Envelope/>"),
		ClientSide: true,
	}
}

func post(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestLogMessage(t *testing.T) {
	ml := &stubMessageLog{}
	s := New(Options{Messages: ml, Logger: zaptest.NewLogger(t)})

	req := validRequest()
	req.Attachments = [][]byte{[]byte("attachment")}
	rec := post(t, s, "/v1/messages", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got MessageRecordResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, "q-1", got.QueryID)
	assert.False(t, got.Timestamped)
	assert.Empty(t, got.Message)

	require.NotNil(t, ml.logged)
	assert.Equal(t, []byte("<Envelope/>"), ml.logged.Message)
	assert.Equal(t, [][]byte{[]byte("attachment")}, ml.logged.Attachments)
	assert.Equal(t, testClient, ml.logged.Client)
	assert.True(t, ml.logged.ClientSide)
}

func TestLogMessage_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *LogMessageRequest)
		want   string
	}{
		{"missing query id", func(r *LogMessageRequest) { r.QueryID = "" }, "query_id"},
		{"incomplete client", func(r *LogMessageRequest) { r.Client.MemberCode = "" }, "client"},
		{"server side without provider", func(r *LogMessageRequest) { r.ClientSide = false }, "service.provider"},
		{"missing signature", func(r *LogMessageRequest) { r.Signature.SignatureXML = "" }, "signature"},
		{"missing message", func(r *LogMessageRequest) { r.Message = nil }, "message"},
		{"unknown kind", func(r *LogMessageRequest) { r.Kind = "grpc" }, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ml := &stubMessageLog{}
			s := New(Options{Messages: ml, Logger: zaptest.NewLogger(t)})

			req := validRequest()
			tt.mutate(&req)
			rec := post(t, s, "/v1/messages", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec).Error, tt.want)
			assert.Nil(t, ml.logged)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		s := New(Options{Messages: &stubMessageLog{}, Logger: zaptest.NewLogger(t)})
		rec := post(t, s, "/v1/messages", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLogMessage_BodyLimit(t *testing.T) {
	ml := &stubMessageLog{}
	s := New(Options{
		Config:   config.ServerConfig{MaxRequestBytes: 256},
		Messages: ml,
		Logger:   zaptest.NewLogger(t),
	})

	req := validRequest()
	req.Message = bytes.Repeat([]byte("x"), 1024)
	rec := post(t, s, "/v1/messages", req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Nil(t, ml.logged)
}

func TestLogMessage_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{
			name:     "grace period exceeded",
			err:      types.TimestampingUnavailable("time-stamping has been failing"),
			wantCode: http.StatusServiceUnavailable,
			wantErr:  types.CodeTimestampingFailed,
		},
		{
			name:     "no provider",
			err:      types.NoTimestampingProvider(),
			wantCode: http.StatusServiceUnavailable,
			wantErr:  types.CodeNoTimestampingProvider,
		},
		{
			name:     "immediate stamping failed",
			err:      types.TimestampingFailed(fmt.Errorf("tsa unreachable")),
			wantCode: http.StatusServiceUnavailable,
			wantErr:  types.CodeTimestampingFailed,
		},
		{
			name:     "store failure",
			err:      types.LoggingFailed("failed to save message record", fmt.Errorf("disk full")),
			wantCode: http.StatusInternalServerError,
			wantErr:  types.CodeLoggingFailed,
		},
		{
			name:     "uncoded failure",
			err:      fmt.Errorf("unexpected"),
			wantCode: http.StatusInternalServerError,
			wantErr:  types.CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{Messages: &stubMessageLog{logErr: tt.err}, Logger: zaptest.NewLogger(t)})

			rec := post(t, s, "/v1/messages", validRequest())
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
}

func find(t *testing.T, s *Server, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, s, "/v1/messages?"+params.Encode())
}

func TestFindMessage(t *testing.T) {
	ml := &stubMessageLog{found: &types.MessageRecord{
		ID:                7,
		QueryID:           "q-1",
		Client:            testClient,
		Response:          true,
		Kind:              types.MessageKindSOAP,
		Message:           "<Envelope/>",
		Signature:         "<ds:Signature/>",
		TimestampRecordID: 8,
	}}
	s := New(Options{Messages: ml, Logger: zaptest.NewLogger(t)})

	rec := find(t, s, url.Values{
		"query_id": {"q-1"},
		"client":   {"SUBSYSTEM:EE/GOV/1234/CLIENT"},
		"response": {"true"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got MessageRecordResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, "<Envelope/>", got.Message)
	assert.True(t, got.Timestamped)
	assert.Equal(t, int64(8), got.TimestampRecordID)

	assert.Equal(t, "q-1", ml.query)
	assert.Equal(t, testClient, ml.client)
	require.NotNil(t, ml.response)
	assert.True(t, *ml.response)

	// the response flag is optional
	rec = find(t, s, url.Values{"query_id": {"q-1"}, "client": {"EE/GOV/1234"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, ml.response)
	assert.Equal(t, types.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "1234"}, ml.client)
}

func TestFindMessage_Errors(t *testing.T) {
	tests := []struct {
		name     string
		ml       *stubMessageLog
		params   url.Values
		wantCode int
	}{
		{"missing query id", &stubMessageLog{}, url.Values{"client": {"EE/GOV/1234"}}, http.StatusBadRequest},
		{"invalid client", &stubMessageLog{}, url.Values{"query_id": {"q"}, "client": {"EE/GOV"}}, http.StatusBadRequest},
		{"invalid response flag", &stubMessageLog{}, url.Values{"query_id": {"q"}, "client": {"EE/GOV/1"}, "response": {"maybe"}}, http.StatusBadRequest},
		{"not found", &stubMessageLog{}, url.Values{"query_id": {"q"}, "client": {"EE/GOV/1"}}, http.StatusNotFound},
		{"ambiguous", &stubMessageLog{findErr: types.ErrAmbiguousResult}, url.Values{"query_id": {"q"}, "client": {"EE/GOV/1"}}, http.StatusConflict},
		{"store failure", &stubMessageLog{findErr: fmt.Errorf("db down")}, url.Values{"query_id": {"q"}, "client": {"EE/GOV/1"}}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{Messages: tt.ml, Logger: zaptest.NewLogger(t)})
			assert.Equal(t, tt.wantCode, find(t, s, tt.params).Code)
		})
	}
}

func TestTimestampMessage(t *testing.T) {
	ml := &stubMessageLog{}
	s := New(Options{Messages: ml, Logger: zaptest.NewLogger(t)})

	rec := post(t, s, "/v1/messages/17/timestamp", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(17), ml.stamped)

	var got TimestampResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(100), got.ID)
	assert.Equal(t, []byte("token"), got.Token)

	ml.stampErr = fmt.Errorf("record 18: %w", types.ErrRecordNotFound)
	assert.Equal(t, http.StatusNotFound, post(t, s, "/v1/messages/18/timestamp", "").Code)

	// non numeric ids do not match the route
	assert.Equal(t, http.StatusNotFound, post(t, s, "/v1/messages/abc/timestamp", "").Code)
}

func TestMessageRoutesDisabled(t *testing.T) {
	s := New(Options{Logger: zaptest.NewLogger(t)})

	assert.Equal(t, http.StatusNotFound, post(t, s, "/v1/messages", validRequest()).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, "/v1/messages?query_id=q").Code)
}

type staticTSA struct{}

func (staticTSA) Providers() []string { return []string{"http://tsa.test"} }

func (staticTSA) Timestamp(ctx context.Context, hashes []string) (*timestamp.Result, error) {
	return &timestamp.Result{Token: []byte("token"), HashChainResult: "<result/>", Time: time.Now()}, nil
}

func TestMessagesThroughManager(t *testing.T) {
	st, _ := storetest.NewSQLite(t, store.Options{})
	cfg := config.Default().Timestamper
	cfg.URLs = []string{"http://tsa.test"}
	manager, err := logmanager.New(logmanager.Options{
		Config:      cfg,
		Store:       st,
		Timestamper: staticTSA{},
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	s := New(Options{Messages: manager, Timestamping: manager, Logger: zaptest.NewLogger(t)})

	req := validRequest()
	req.Message = []byte(`<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<SOAP-ENV:Header/><SOAP-ENV:Body><payload/></SOAP-ENV:Body></SOAP-ENV:Envelope>`)
	rec := post(t, s, "/v1/messages", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var logged MessageRecordResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&logged))
	assert.Equal(t, 1, manager.QueueSize())

	rec = find(t, s, url.Values{"query_id": {"q-1"}, "client": {"EE/GOV/1234/CLIENT"}, "response": {"false"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found MessageRecordResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&found))
	assert.Equal(t, logged.ID, found.ID)
	assert.False(t, found.Timestamped)
	assert.True(t, strings.Contains(found.Message, "payload"))

	rec = post(t, s, fmt.Sprintf("/v1/messages/%d/timestamp", logged.ID), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, manager.QueueSize())

	rec = find(t, s, url.Values{"query_id": {"q-1"}, "client": {"EE/GOV/1234/CLIENT"}})
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&found))
	assert.True(t, found.Timestamped)
}
