package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/session"
)

const maxBodyBytes = 2 << 20

// offerRequest is the body of POST /api/offer. Browser clients send
// requestData; other clients send request_data. Setting both is an error.
type offerRequest struct {
	SDP            string          `json:"sdp"`
	Type           string          `json:"type"`
	PCID           string          `json:"pc_id,omitempty"`
	RestartPC      bool            `json:"restart_pc,omitempty"`
	RequestData    json.RawMessage `json:"request_data,omitempty"`
	RequestDataAlt json.RawMessage `json:"requestData,omitempty"`
}

func (r offerRequest) Validate() error {
	if strings.TrimSpace(r.SDP) == "" {
		return fmt.Errorf("%w: missing sdp", ErrInvalidRequest)
	}
	if r.Type != "offer" {
		return fmt.Errorf("%w: type must be \"offer\", got %q", ErrInvalidRequest, r.Type)
	}
	if present(r.RequestData) && present(r.RequestDataAlt) {
		return fmt.Errorf("%w: request_data and requestData are mutually exclusive", ErrInvalidRequest)
	}
	if r.RestartPC && r.PCID == "" {
		return fmt.Errorf("%w: restart_pc requires pc_id", ErrInvalidRequest)
	}
	return nil
}

func (r offerRequest) requestData() json.RawMessage {
	if present(r.RequestData) {
		return r.RequestData
	}
	if present(r.RequestDataAlt) {
		return r.RequestDataAlt
	}
	return nil
}

// present treats an explicit JSON null as absent.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (r offerRequest) offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: r.SDP}
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

type candidateMessage struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

// patchRequest is the body of PATCH /api/offer.
type patchRequest struct {
	PCID       string             `json:"pc_id"`
	Candidates []candidateMessage `json:"candidates"`
}

func (r patchRequest) Validate() error {
	if strings.TrimSpace(r.PCID) == "" {
		return fmt.Errorf("%w: missing pc_id", ErrInvalidRequest)
	}
	return nil
}

func (r patchRequest) candidates() []session.Candidate {
	out := make([]session.Candidate, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		out = append(out, session.Candidate{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		})
	}
	return out
}

type patchResponse struct {
	Status string `json:"status"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}

// readStrictJSON decodes a size-capped body, rejecting unknown fields and
// trailing data.
func readStrictJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := decodeStrictJSON(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
