package rest

import (
	"encoding/base64"

	"github.com/ethrdma/ethrdma/pkg/engine"
	"github.com/ethrdma/ethrdma/pkg/types"
)

type StatusOutput struct {
	Instance string          `json:"instance"`
	PID      int             `json:"pid"`
	MAC      string          `json:"mac"`
	MRs      []engine.MRInfo `json:"mrs"`
	QPs      []engine.QPInfo `json:"qps"`
}

type AllocInput struct {
	Size string `json:"size"` // bytes or human readable (4k, 1mb)
}

type AllocOutput struct {
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

type BufferWriteInput struct {
	Addr uint64 `json:"addr"`
	Data string `json:"data"` // base64
}

type BufferReadInput struct {
	Addr   uint64 `json:"addr"`
	Length uint32 `json:"length"`
}

type BufferReadOutput struct {
	Data string `json:"data"` // base64
}

type RegisterMRInput struct {
	Addr   uint64 `json:"addr"`
	Length uint64 `json:"length"`
	Flags  int    `json:"flags"`
}

type RegisterMROutput struct {
	ID   uint32 `json:"id"`
	LKey uint32 `json:"lkey"`
	RKey uint32 `json:"rkey"`
}

type CreateQPInput struct {
	SQSize uint32 `json:"sqSize"`
	CQSize uint32 `json:"cqSize"`
}

type CreateQPOutput struct {
	ID int `json:"id"`
}

type ConnectInput struct {
	PeerMAC string `json:"peerMac"`
	PeerQP  uint32 `json:"peerQp"`
}

type PostInput struct {
	WRID        uint64 `json:"wrId"`
	Signaled    bool   `json:"signaled"`
	LocalMRID   uint32 `json:"localMrId"`
	LocalOffset uint64 `json:"localOffset"`
	RemoteMRID  uint32 `json:"remoteMrId"`
	RemoteAddr  uint64 `json:"remoteAddr"`
	RemoteKey   uint32 `json:"remoteKey"`
	Length      uint32 `json:"length"`
}

type PollInput struct {
	Max int `json:"max"`
}

type CompletionModel struct {
	WRID    uint64 `json:"wrId"`
	ByteLen uint32 `json:"byteLen"`
	Status  string `json:"status"`
	Opcode  uint8  `json:"opcode"`
}

type PollOutput struct {
	Completions []CompletionModel `json:"completions"`
}

func toCompletionModels(comps []types.Completion) []CompletionModel {
	out := make([]CompletionModel, 0, len(comps))
	for _, c := range comps {
		out = append(out, CompletionModel{
			WRID:    c.WRID,
			ByteLen: c.ByteLen,
			Status:  types.StatusString(c.Status),
			Opcode:  c.Opcode,
		})
	}
	return out
}

func EncodeData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func DecodeData(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
