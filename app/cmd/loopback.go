package cmd

import (
	"bytes"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/ethrdma/ethrdma/pkg/engine"
	"github.com/ethrdma/ethrdma/pkg/hostmem"
	"github.com/ethrdma/ethrdma/pkg/nic"
	"github.com/ethrdma/ethrdma/pkg/types"
)

const demoPID = 1

func LoopbackCmd() cli.Command {
	return cli.Command{
		Name:  "loopback",
		Usage: "run a same-host RDMA write round trip and verify the data",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "size",
				Value: "256",
				Usage: "transfer size in bytes or human readable (1k max 4k)",
			},
			cli.UintFlag{
				Name:  "sq-size",
				Value: types.DefaultSQSize,
			},
			cli.UintFlag{
				Name:  "cq-size",
				Value: types.DefaultCQSize,
			},
		},
		Action: func(c *cli.Context) {
			if err := loopback(c); err != nil {
				logrus.Fatalf("Error running loopback: %v", err)
			}
		},
	}
}

func loopback(c *cli.Context) error {
	size, err := units.RAMInBytes(c.String("size"))
	if err != nil {
		return errors.Wrapf(err, "cannot parse size %v", c.String("size"))
	}
	if size <= 0 || size > types.PageSize {
		return errors.Errorf("size must be within (0, %d] bytes", types.PageSize)
	}
	length := uint64(size)

	host := hostmem.New(16 * 1024 * 1024)
	host.AddProcess(demoPID)
	e := engine.New(host, &nic.Discard{})

	srcAddr, err := host.Sbrk(demoPID, length)
	if err != nil {
		return err
	}
	dstAddr, err := host.Sbrk(demoPID, length)
	if err != nil {
		return err
	}

	pattern := make([]byte, length)
	for i := range pattern {
		pattern[i] = byte(i % 256)
	}
	if err := host.WriteUser(demoPID, srcAddr, pattern); err != nil {
		return err
	}

	srcMR, err := e.RegisterMR(demoPID, srcAddr, length, types.AccessLocalRead)
	if err != nil {
		return err
	}
	dstMR, err := e.RegisterMR(demoPID, dstAddr, length,
		types.AccessLocalWrite|types.AccessRemoteWrite)
	if err != nil {
		return err
	}
	qpID, err := e.CreateQP(demoPID, uint32(c.Uint("sq-size")), uint32(c.Uint("cq-size")))
	if err != nil {
		return err
	}

	wr := types.WorkRequest{
		WRID:       1,
		Opcode:     types.OpWrite,
		Flags:      types.WRSignaled,
		LocalMRID:  srcMR,
		RemoteMRID: dstMR,
		RemoteKey:  dstMR,
		Length:     uint32(length),
	}
	if err := e.PostSend(demoPID, qpID, wr); err != nil {
		return err
	}

	comps, err := e.PollCQ(demoPID, qpID, 16)
	if err != nil {
		return err
	}
	if len(comps) != 1 || comps[0].Status != types.StatusSuccess {
		return errors.Errorf("expected one successful completion, got %+v", comps)
	}

	result := make([]byte, length)
	if err := host.ReadUser(demoPID, dstAddr, result); err != nil {
		return err
	}
	if !bytes.Equal(result, pattern) {
		return errors.New("destination buffer does not match the pattern")
	}

	logrus.Infof("Loopback write of %s verified (wr_id=%d, byte_len=%d)",
		units.BytesSize(float64(length)), comps[0].WRID, comps[0].ByteLen)

	return multierr.Combine(
		e.DestroyQP(demoPID, qpID),
		e.DeregisterMR(demoPID, srcMR),
		e.DeregisterMR(demoPID, dstMR),
	)
}
