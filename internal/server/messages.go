package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/pkg/types"
)

// MessageLog logs messages and reads them back by business key
type MessageLog interface {
	Log(ctx context.Context, msg *types.LogMessage) (*types.MessageRecord, error)
	FindByQueryID(ctx context.Context, queryID string, client types.ClientID, response *bool) (*types.MessageRecord, error)
	Timestamp(ctx context.Context, recordID int64) (*types.TimestampRecord, error)
}

// LogMessageRequest is the body of POST /v1/messages. Binary fields are
// base64 encoded.
type LogMessageRequest struct {
	Kind        types.MessageKind   `json:"kind,omitempty"`
	QueryID     string              `json:"query_id"`
	Client      types.ClientID      `json:"client"`
	Service     types.ServiceID     `json:"service"`
	Signature   types.SignatureData `json:"signature"`
	Message     []byte              `json:"message"`
	Body        []byte              `json:"body,omitempty"`
	Attachments [][]byte            `json:"attachments,omitempty"`
	Response    bool                `json:"response"`
	ClientSide  bool                `json:"client_side"`
	XRequestID  string              `json:"x_request_id,omitempty"`
}

func (r *LogMessageRequest) validate() error {
	switch {
	case r.QueryID == "":
		return errors.New("query_id is required")
	case r.Client.Instance == "" || r.Client.MemberClass == "" || r.Client.MemberCode == "":
		return errors.New("client.instance, client.member_class and client.member_code are required")
	case !r.ClientSide && r.Service.Provider.MemberCode == "":
		return errors.New("service.provider is required for server side messages")
	case r.Signature.SignatureXML == "":
		return errors.New("signature.signature_xml is required")
	case len(r.Message) == 0:
		return errors.New("message is required")
	case r.Kind != "" && r.Kind != types.MessageKindSOAP && r.Kind != types.MessageKindREST:
		return fmt.Errorf("unknown message kind %q", r.Kind)
	}
	return nil
}

func (r *LogMessageRequest) toLogMessage() *types.LogMessage {
	return &types.LogMessage{
		Kind:        r.Kind,
		QueryID:     r.QueryID,
		Client:      r.Client,
		Service:     r.Service,
		Signature:   r.Signature,
		Message:     r.Message,
		Body:        r.Body,
		Attachments: r.Attachments,
		Response:    r.Response,
		ClientSide:  r.ClientSide,
		XRequestID:  r.XRequestID,
	}
}

// MessageRecordResponse describes a stored message record
type MessageRecordResponse struct {
	ID                int64             `json:"id"`
	CreatedAt         time.Time         `json:"created_at"`
	QueryID           string            `json:"query_id"`
	Client            types.ClientID    `json:"client"`
	Response          bool              `json:"response"`
	Kind              types.MessageKind `json:"kind"`
	XRequestID        string            `json:"x_request_id,omitempty"`
	Message           string            `json:"message,omitempty"`
	Signature         string            `json:"signature,omitempty"`
	Timestamped       bool              `json:"timestamped"`
	TimestampRecordID int64             `json:"timestamp_record_id,omitempty"`
	Archived          bool              `json:"archived"`
}

func newMessageRecordResponse(rec *types.MessageRecord, withContent bool) MessageRecordResponse {
	resp := MessageRecordResponse{
		ID:                rec.ID,
		CreatedAt:         rec.CreatedAt,
		QueryID:           rec.QueryID,
		Client:            rec.Client,
		Response:          rec.Response,
		Kind:              rec.Kind,
		XRequestID:        rec.XRequestID,
		Timestamped:       rec.IsTimestamped(),
		TimestampRecordID: rec.TimestampRecordID,
		Archived:          rec.Archived,
	}
	if withContent {
		resp.Message = rec.Message
		resp.Signature = rec.Signature
	}
	return resp
}

// TimestampResponse describes a timestamp record
type TimestampResponse struct {
	ID              int64     `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Token           []byte    `json:"token"`
	HashChainResult string    `json:"hash_chain_result,omitempty"`
}

func (s *Server) logMessageHandler(w http.ResponseWriter, r *http.Request) {
	if limit := s.opts.Config.MaxRequestBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req LogMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", "")
			return
		}
		s.logger.Debug("Failed to decode log request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), "")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	rec, err := s.opts.Messages.Log(r.Context(), req.toLogMessage())
	if err != nil {
		s.writeMessageLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMessageRecordResponse(rec, false))
}

func (s *Server) findMessageHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	queryID := q.Get("query_id")
	if queryID == "" {
		writeError(w, http.StatusBadRequest, "query_id is required", "")
		return
	}
	client, err := types.ParseClientID(q.Get("client"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	var response *bool
	if raw := q.Get("response"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid response flag %q", raw), "")
			return
		}
		response = &v
	}

	rec, err := s.opts.Messages.FindByQueryID(r.Context(), queryID, client, response)
	if err != nil {
		s.writeMessageLogError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, types.ErrRecordNotFound.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, newMessageRecordResponse(rec, true))
}

func (s *Server) timestampMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id", "")
		return
	}

	ts, err := s.opts.Messages.Timestamp(r.Context(), id)
	if err != nil {
		s.writeMessageLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TimestampResponse{
		ID:              ts.ID,
		CreatedAt:       ts.CreatedAt,
		Token:           ts.Token,
		HashChainResult: ts.HashChainResult,
	})
}

// writeMessageLogError maps message log failures to HTTP statuses
func (s *Server) writeMessageLogError(w http.ResponseWriter, r *http.Request, err error) {
	var code string
	var coded *types.CodedError
	if errors.As(err, &coded) {
		code = coded.Code
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNilRecord):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrAmbiguousResult):
		status = http.StatusConflict
	case errors.Is(err, types.ErrTimestampingUnavailable),
		errors.Is(err, types.ErrNoTimestampingProvider),
		code == types.CodeTimestampingFailed:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		code = types.ErrorCode(err)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Message log request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
	}
	writeError(w, status, err.Error(), code)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
