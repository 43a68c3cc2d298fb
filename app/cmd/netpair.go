package cmd

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/ethrdma/ethrdma/pkg/engine"
	"github.com/ethrdma/ethrdma/pkg/hostmem"
	"github.com/ethrdma/ethrdma/pkg/nic"
	"github.com/ethrdma/ethrdma/pkg/types"
	"github.com/ethrdma/ethrdma/pkg/util"
)

func NetpairCmd() cli.Command {
	return cli.Command{
		Name:  "netpair",
		Usage: "simulate two hosts on a crossover link and run a remote RDMA write",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "mac-a",
				Value: "52:54:00:12:34:56",
			},
			cli.StringFlag{
				Name:  "mac-b",
				Value: "52:54:00:12:34:57",
			},
			cli.UintFlag{
				Name:  "size",
				Value: 256,
				Usage: "transfer size in bytes, at most one page",
			},
		},
		Action: func(c *cli.Context) {
			if err := netpair(c); err != nil {
				logrus.Fatalf("Error running netpair: %v", err)
			}
		},
	}
}

func netpair(c *cli.Context) error {
	macA, err := util.ParseMAC(c.String("mac-a"))
	if err != nil {
		return err
	}
	macB, err := util.ParseMAC(c.String("mac-b"))
	if err != nil {
		return err
	}
	length := uint64(c.Uint("size"))
	if length == 0 || length > types.PageSize {
		return errors.Errorf("size must be within (0, %d] bytes", types.PageSize)
	}

	portA, portB := nic.NewCrossover(macA, macB)

	hostA := hostmem.New(16 * 1024 * 1024)
	hostA.AddProcess(demoPID)
	engineA := engine.New(hostA, portA)
	portA.Attach(engineA)

	hostB := hostmem.New(16 * 1024 * 1024)
	hostB.AddProcess(demoPID)
	engineB := engine.New(hostB, portB)
	portB.Attach(engineB)

	// Host B: destination buffer, MR open for remote write, QP 0
	// connected back to host A.
	dstAddr, err := hostB.Sbrk(demoPID, length)
	if err != nil {
		return err
	}
	dstMR, err := engineB.RegisterMR(demoPID, dstAddr, length,
		types.AccessLocalRead|types.AccessLocalWrite|types.AccessRemoteWrite)
	if err != nil {
		return err
	}
	qpB, err := engineB.CreateQP(demoPID, types.DefaultSQSize, types.DefaultCQSize)
	if err != nil {
		return err
	}
	if err := engineB.Connect(demoPID, qpB, macA, 0); err != nil {
		return err
	}

	// Host A: source buffer with the test pattern, QP 0 connected to B.
	srcAddr, err := hostA.Sbrk(demoPID, length)
	if err != nil {
		return err
	}
	pattern := make([]byte, length)
	for i := range pattern {
		pattern[i] = byte(i % 256)
	}
	if err := hostA.WriteUser(demoPID, srcAddr, pattern); err != nil {
		return err
	}
	srcMR, err := engineA.RegisterMR(demoPID, srcAddr, length,
		types.AccessLocalRead|types.AccessRemoteRead)
	if err != nil {
		return err
	}
	qpA, err := engineA.CreateQP(demoPID, types.DefaultSQSize, types.DefaultCQSize)
	if err != nil {
		return err
	}
	if err := engineA.Connect(demoPID, qpA, macB, uint32(qpB)); err != nil {
		return err
	}

	wr := types.WorkRequest{
		WRID:       42,
		Opcode:     types.OpWrite,
		Flags:      types.WRSignaled,
		LocalMRID:  srcMR,
		RemoteMRID: dstMR,
		RemoteKey:  dstMR,
		Length:     uint32(length),
	}
	if err := engineA.PostSend(demoPID, qpA, wr); err != nil {
		return err
	}

	// The crossover link delivers synchronously, so by now the WRITE has
	// landed on B and the ACK has landed back on A.
	compsA, err := engineA.PollCQ(demoPID, qpA, 16)
	if err != nil {
		return err
	}
	if len(compsA) != 1 || compsA[0].Status != types.StatusSuccess || compsA[0].WRID != wr.WRID {
		return errors.Errorf("host A expected one successful completion for wr %d, got %+v",
			wr.WRID, compsA)
	}

	compsB, err := engineB.PollCQ(demoPID, qpB, 16)
	if err != nil {
		return err
	}
	if len(compsB) != 1 || compsB[0].Status != types.StatusSuccess {
		return errors.Errorf("host B expected one successful completion, got %+v", compsB)
	}

	result := make([]byte, length)
	if err := hostB.ReadUser(demoPID, dstAddr, result); err != nil {
		return err
	}
	if !bytes.Equal(result, pattern) {
		return errors.New("host B destination buffer does not match the pattern")
	}

	logrus.Infof("Remote write of %d bytes from %s to %s verified",
		length, util.FormatMAC(macA), util.FormatMAC(macB))

	return multierr.Combine(
		engineA.DestroyQP(demoPID, qpA),
		engineA.DeregisterMR(demoPID, srcMR),
		engineB.DestroyQP(demoPID, qpB),
		engineB.DeregisterMR(demoPID, dstMR),
	)
}
