// Package rest exposes the caller-facing RDMA operations over HTTP for
// one simulated process, plus status and Prometheus metrics.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ethrdma/ethrdma/pkg/engine"
	"github.com/ethrdma/ethrdma/pkg/hostmem"
	"github.com/ethrdma/ethrdma/pkg/types"
	"github.com/ethrdma/ethrdma/pkg/util"
)

var log = logrus.WithFields(logrus.Fields{"pkg": "rest-frontend"})

// Server serves the operations of one engine on behalf of one process.
type Server struct {
	instance string
	pid      int
	mac      [6]byte
	engine   *engine.Engine
	host     *hostmem.Host
}

func NewServer(e *engine.Engine, host *hostmem.Host, pid int, mac [6]byte) *Server {
	return &Server{
		instance: uuid.New().String(),
		pid:      pid,
		mac:      mac,
		engine:   e,
		host:     host,
	}
}

func (s *Server) GetStatus(rw http.ResponseWriter, req *http.Request) error {
	mrs, qps := s.engine.Status(s.pid)
	return writeJSON(rw, &StatusOutput{
		Instance: s.instance,
		PID:      s.pid,
		MAC:      util.FormatMAC(s.mac),
		MRs:      mrs,
		QPs:      qps,
	})
}

func (s *Server) AllocBuffer(rw http.ResponseWriter, req *http.Request) error {
	var input AllocInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	size, err := units.RAMInBytes(input.Size)
	if err != nil || size <= 0 {
		return types.ErrInvalidArgument
	}

	addr, err := s.host.Sbrk(s.pid, uint64(size))
	if err != nil {
		return err
	}
	return writeJSON(rw, &AllocOutput{Addr: addr, Size: uint64(size)})
}

func (s *Server) WriteBuffer(rw http.ResponseWriter, req *http.Request) error {
	var input BufferWriteInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	data, err := DecodeData(input.Data)
	if err != nil {
		return types.ErrInvalidArgument
	}
	return s.host.WriteUser(s.pid, input.Addr, data)
}

func (s *Server) ReadBuffer(rw http.ResponseWriter, req *http.Request) error {
	var input BufferReadInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	data := make([]byte, input.Length)
	if err := s.host.ReadUser(s.pid, input.Addr, data); err != nil {
		return err
	}
	return writeJSON(rw, &BufferReadOutput{Data: EncodeData(data)})
}

func (s *Server) RegisterMR(rw http.ResponseWriter, req *http.Request) error {
	var input RegisterMRInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	id, err := s.engine.RegisterMR(s.pid, input.Addr, input.Length, input.Flags)
	if err != nil {
		return err
	}
	return writeJSON(rw, &RegisterMROutput{ID: id, LKey: id, RKey: id})
}

func (s *Server) DeregisterMR(rw http.ResponseWriter, req *http.Request) error {
	id, err := parseID(mux.Vars(req)["id"])
	if err != nil {
		return err
	}
	return s.engine.DeregisterMR(s.pid, uint32(id))
}

func (s *Server) CreateQP(rw http.ResponseWriter, req *http.Request) error {
	var input CreateQPInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	if input.SQSize == 0 {
		input.SQSize = types.DefaultSQSize
	}
	if input.CQSize == 0 {
		input.CQSize = types.DefaultCQSize
	}
	id, err := s.engine.CreateQP(s.pid, input.SQSize, input.CQSize)
	if err != nil {
		return err
	}
	return writeJSON(rw, &CreateQPOutput{ID: id})
}

func (s *Server) DestroyQP(rw http.ResponseWriter, req *http.Request) error {
	id, err := parseID(mux.Vars(req)["id"])
	if err != nil {
		return err
	}
	return s.engine.DestroyQP(s.pid, id)
}

func (s *Server) ConnectQP(rw http.ResponseWriter, req *http.Request) error {
	id, err := parseID(mux.Vars(req)["id"])
	if err != nil {
		return err
	}
	var input ConnectInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	peerMAC, err := util.ParseMAC(input.PeerMAC)
	if err != nil {
		return types.ErrInvalidArgument
	}
	return s.engine.Connect(s.pid, id, peerMAC, input.PeerQP)
}

func (s *Server) PostSend(rw http.ResponseWriter, req *http.Request) error {
	id, err := parseID(mux.Vars(req)["id"])
	if err != nil {
		return err
	}
	var input PostInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	wr := types.WorkRequest{
		WRID:        input.WRID,
		Opcode:      types.OpWrite,
		LocalMRID:   input.LocalMRID,
		LocalOffset: input.LocalOffset,
		RemoteMRID:  input.RemoteMRID,
		RemoteAddr:  input.RemoteAddr,
		RemoteKey:   input.RemoteKey,
		Length:      input.Length,
	}
	if input.Signaled {
		wr.Flags |= types.WRSignaled
	}
	return s.engine.PostSend(s.pid, id, wr)
}

func (s *Server) PollCQ(rw http.ResponseWriter, req *http.Request) error {
	id, err := parseID(mux.Vars(req)["id"])
	if err != nil {
		return err
	}
	var input PollInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		return err
	}
	if input.Max == 0 {
		input.Max = types.DefaultCQSize
	}
	comps, err := s.engine.PollCQ(s.pid, id, input.Max)
	if err != nil {
		return err
	}
	return writeJSON(rw, &PollOutput{Completions: toCompletionModels(comps)})
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, types.ErrInvalidArgument
	}
	return id, nil
}

func writeJSON(rw http.ResponseWriter, v interface{}) error {
	rw.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(rw).Encode(v)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidArgument), errors.Is(err, types.ErrOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrNotMapped):
		return http.StatusNotFound
	case errors.Is(err, types.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, types.ErrResourceExhausted):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotReady):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}
