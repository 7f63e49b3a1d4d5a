package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meshwork/meshnode/internal/app/dispatch"
	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/health"
	"github.com/meshwork/meshnode/internal/infra/routing"
	"github.com/meshwork/meshnode/internal/infra/transport"
)

// ─── Wire types ─────────────────────────────────────────────────────────────

// ContactJSON is a contact with its GUID as a decimal string, which keeps
// 64-bit values intact in JavaScript clients.
type ContactJSON struct {
	GUID    string `json:"guid"`
	Address string `json:"address"`
	IsNAT   bool   `json:"is_nat"`
}

func contactJSON(c domain.Contact) ContactJSON {
	return ContactJSON{GUID: c.GUID.String(), Address: c.Address.String(), IsNAT: c.IsNAT}
}

func contactsJSON(cs []domain.Contact) []ContactJSON {
	out := make([]ContactJSON, len(cs))
	for i, c := range cs {
		out[i] = contactJSON(c)
	}
	return out
}

// PeerRef names a remote node by address, by GUID, or both. A GUID alone
// must be in the routing table.
type PeerRef struct {
	Address string `json:"address,omitempty"`
	GUID    string `json:"guid,omitempty"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Self              ContactJSON `json:"self"`
	NATChecked        bool        `json:"nat_checked"`
	Peers             int         `json:"peers"`
	BucketSize        int         `json:"bucket_size"`
	PendingChallenges int         `json:"pending_challenges"`
	ActiveTransfers   int         `json:"active_transfers"`
	Version           string      `json:"version"`
}

// PeersResponse is returned by GET /api/peers.
type PeersResponse struct {
	Self    ContactJSON  `json:"self"`
	Count   int          `json:"count"`
	Buckets []BucketJSON `json:"buckets"`
}

// BucketJSON is one non-empty bucket.
type BucketJSON struct {
	Index        int           `json:"index"`
	Contacts     []ContactJSON `json:"contacts"`
	Replacements int           `json:"replacements"`
}

// PingRequest is the body of POST /api/ping.
type PingRequest struct {
	PeerRef
}

// PingResponse reports the responder and round trip.
type PingResponse struct {
	Peer  ContactJSON `json:"peer"`
	RTTMs int64       `json:"rtt_ms"`
}

// LookupRequest is the body of POST /api/lookup.
type LookupRequest struct {
	GUID string `json:"guid"`
}

// LookupResponse lists the closest contacts found.
type LookupResponse struct {
	Target   string        `json:"target"`
	Contacts []ContactJSON `json:"contacts"`
}

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	PeerRef
	Command   string `json:"command"`
	Respond   bool   `json:"respond"`
	Propagate bool   `json:"propagate"`
}

// CommandResponse carries the remote answer when one was requested.
type CommandResponse struct {
	Sent   bool   `json:"sent"`
	Status string `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
}

// FileRequest is the body of POST /api/files.
type FileRequest struct {
	PeerRef
	Path string `json:"path"`
}

// FileResponse names the started transfer.
type FileResponse struct {
	Transfer string `json:"transfer"`
}

// NATRequest is the body of POST /api/nat.
type NATRequest struct {
	PeerRef
}

// NATResponse is the verdict of a NAT check.
type NATResponse struct {
	IsNAT bool `json:"is_nat"`
}

// ─── Read handlers ──────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var checks []health.Status
	healthy := true
	if s.health != nil {
		checks = s.health.Statuses()
		healthy = s.health.IsHealthy()
	}
	if s.node.Closed() {
		healthy = false
	}
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Self:              contactJSON(s.node.Self()),
		NATChecked:        s.node.NATChecked(),
		Peers:             s.node.PeerCount(),
		BucketSize:        s.node.Table().K(),
		PendingChallenges: s.node.PendingChallenges(),
		ActiveTransfers:   len(s.node.ActiveTransfers()),
		Version:           s.version,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	buckets := s.node.Table().Buckets()
	resp := PeersResponse{
		Self:    contactJSON(s.node.Self()),
		Count:   s.node.PeerCount(),
		Buckets: make([]BucketJSON, 0, len(buckets)),
	}
	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, BucketJSON{
			Index:        b.Index,
			Contacts:     contactsJSON(b.Contacts),
			Replacements: b.Replacements,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClosest(w http.ResponseWriter, r *http.Request) {
	target := s.node.Self().GUID
	if v := r.URL.Query().Get("guid"); v != "" {
		g, err := domain.ParseGUID(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		target = g
	}
	count := routing.DefaultBucketSize
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "count must be a non-negative integer")
			return
		}
		count = n
	}
	writeJSON(w, http.StatusOK, LookupResponse{
		Target:   target.String(),
		Contacts: contactsJSON(s.node.Table().FindClosest(target, count)),
	})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if s.transfers == nil {
		writeError(w, http.StatusNotImplemented, domain.ErrNoFileTransfer.Error())
		return
	}
	list, err := s.transfers.List(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []domain.TransferRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": list, "active": s.node.ActiveTransfers()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.transfers == nil {
		writeError(w, http.StatusNotImplemented, domain.ErrNoFileTransfer.Error())
		return
	}
	rec, err := s.transfers.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusNotImplemented, domain.ErrNoExecutor.Error())
		return
	}
	hist, err := s.commands.History(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hist == nil {
		hist = []domain.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": hist})
}

// ─── Overlay operations ─────────────────────────────────────────────────────

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req PingRequest
	to, ok := s.decodeTarget(w, r, &req, &req.PeerRef)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.node.Config().ChallengeTimeout)
	defer cancel()
	start := time.Now()
	peer, err := s.node.PingWait(ctx, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PingResponse{Peer: contactJSON(peer), RTTMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	target, err := domain.ParseGUID(req.GUID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	found, err := s.node.Lookup(r.Context(), target)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LookupResponse{Target: target.String(), Contacts: contactsJSON(found)})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	to, ok := s.decodeTarget(w, r, &req, &req.PeerRef)
	if !ok {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	resp, err := s.node.Command(r.Context(), dispatch.CommandRequest{
		To:            to,
		Command:       req.Command,
		ShouldRespond: req.Respond,
		Propagate:     req.Propagate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := CommandResponse{Sent: true}
	if resp != nil {
		out.Status = resp.Status.String()
		out.Value = resp.Value
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRequestFile(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	to, ok := s.decodeTarget(w, r, &req, &req.PeerRef)
	if !ok {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	id, err := s.node.RequestFile(to, req.Path)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, FileResponse{Transfer: id})
}

func (s *Server) handleNAT(w http.ResponseWriter, r *http.Request) {
	var req NATRequest
	to, ok := s.decodeTarget(w, r, &req, &req.PeerRef)
	if !ok {
		return
	}
	isNAT, err := s.node.CheckNAT(r.Context(), to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NATResponse{IsNAT: isNAT})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// decodeTarget decodes the body into v and resolves its peer reference.
func (s *Server) decodeTarget(w http.ResponseWriter, r *http.Request, v any, ref *PeerRef) (domain.Contact, bool) {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return domain.Contact{}, false
	}
	c, err := s.resolve(*ref)
	if err != nil {
		writeDomainError(w, err)
		return domain.Contact{}, false
	}
	return c, true
}

func (s *Server) resolve(ref PeerRef) (domain.Contact, error) {
	var c domain.Contact
	if ref.GUID != "" {
		g, err := domain.ParseGUID(ref.GUID)
		if err != nil {
			return c, badRequest{err}
		}
		c.GUID = g
		if known, ok := s.node.Table().Get(g); ok && ref.Address == "" {
			return known, nil
		}
	}
	if ref.Address == "" {
		if ref.GUID != "" {
			return c, domain.ErrPeerNotFound
		}
		return c, badRequest{errors.New("address or guid is required")}
	}
	addr, err := domain.ParseAddress(ref.Address)
	if err != nil {
		return c, badRequest{err}
	}
	c.Address = addr
	return c, nil
}

type badRequest struct{ error }

func (b badRequest) Unwrap() error { return b.error }

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var bad badRequest
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &bad):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrTransferUnknown):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNoFileTransfer), errors.Is(err, domain.ErrNoExecutor):
		status = http.StatusNotImplemented
	case errors.Is(err, domain.ErrTransportClosed), errors.Is(err, domain.ErrOutboxFull),
		errors.Is(err, transport.ErrCircuitOpen):
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
