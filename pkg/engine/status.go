package engine

import (
	"github.com/ethrdma/ethrdma/pkg/types"
	"github.com/ethrdma/ethrdma/pkg/util"
)

// MRInfo is a status snapshot of one memory region.
type MRInfo struct {
	ID          uint32 `json:"id"`
	AccessFlags int    `json:"accessFlags"`
	Vaddr       uint64 `json:"vaddr"`
	Length      uint64 `json:"length"`
	LKey        uint32 `json:"lkey"`
	RKey        uint32 `json:"rkey"`
	InFlight    int    `json:"inFlight"`
}

// QPInfo is a status snapshot of one queue pair.
type QPInfo struct {
	ID          int    `json:"id"`
	State       string `json:"state"`
	SQDepth     uint32 `json:"sqDepth"`
	CQDepth     uint32 `json:"cqDepth"`
	Outstanding uint32 `json:"outstanding"`
	NetworkMode bool   `json:"networkMode"`
	PeerMAC     string `json:"peerMac,omitempty"`
	PeerQP      uint32 `json:"peerQp"`
	TxSeq       uint32 `json:"txSeq"`
	RxSeq       uint32 `json:"rxSeq"`
	PendingAcks int    `json:"pendingAcks"`
	Sends       uint32 `json:"sends"`
	Completions uint32 `json:"completions"`
	Errors      uint32 `json:"errors"`
}

// Status lists the resources owned by pid.
func (e *Engine) Status(pid int) ([]MRInfo, []QPInfo) {
	var mrs []MRInfo
	for _, region := range e.mrs.List(pid) {
		mrs = append(mrs, MRInfo{
			ID:          region.ID,
			AccessFlags: region.AccessFlags,
			Vaddr:       region.Vaddr,
			Length:      region.Length,
			LKey:        region.LKey,
			RKey:        region.RKey,
			InFlight:    region.InFlight(),
		})
	}

	var qps []QPInfo
	e.qps.Lock()
	for id := 0; id < types.MaxQPs; id++ {
		p := e.qps.Pair(id)
		if p == nil || p.OwnerPID != pid {
			continue
		}
		info := QPInfo{
			ID:          p.ID,
			State:       p.State.String(),
			SQDepth:     p.SQLen(),
			CQDepth:     p.CQLen(),
			Outstanding: p.Outstanding,
			NetworkMode: p.NetworkMode,
			PeerQP:      p.PeerQP,
			TxSeq:       p.TxSeq,
			RxSeq:       p.RxSeq,
			PendingAcks: p.PendingCount(),
			Sends:       p.StatsSends,
			Completions: p.StatsCompletions,
			Errors:      p.StatsErrors,
		}
		if p.NetworkMode {
			info.PeerMAC = util.FormatMAC(p.PeerMAC)
		}
		qps = append(qps, info)
	}
	e.qps.Unlock()

	return mrs, qps
}
