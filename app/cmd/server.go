package cmd

import (
	"net/http"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/ethrdma/ethrdma/pkg/engine"
	"github.com/ethrdma/ethrdma/pkg/frontend/rest"
	"github.com/ethrdma/ethrdma/pkg/hostmem"
	"github.com/ethrdma/ethrdma/pkg/nic"
	"github.com/ethrdma/ethrdma/pkg/util"
)

func ServerCmd() cli.Command {
	return cli.Command{
		Name:  "server",
		Usage: "serve the RDMA operations of one simulated host over HTTP",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "listen",
				Value: "localhost:9606",
			},
			cli.StringFlag{
				Name:  "mac",
				Value: "52:54:00:12:34:56",
				Usage: "link-layer address of the simulated port",
			},
			cli.StringFlag{
				Name:  "mem",
				Value: "64mb",
				Usage: "physical memory of the simulated host",
			},
		},
		Action: func(c *cli.Context) {
			if err := server(c); err != nil {
				logrus.Fatalf("Error running server: %v", err)
			}
		},
	}
}

func server(c *cli.Context) error {
	mac, err := util.ParseMAC(c.String("mac"))
	if err != nil {
		return err
	}
	mem, err := units.RAMInBytes(c.String("mem"))
	if err != nil {
		return errors.Wrapf(err, "cannot parse mem %v", c.String("mem"))
	}

	host := hostmem.New(int(mem))
	host.AddProcess(demoPID)

	// A loopback port: connecting a QP to the local MAC exercises the
	// full wire path on a single host.
	port := nic.NewLoopback(mac)
	e := engine.New(host, port)
	port.Attach(e)

	s := rest.NewServer(e, host, demoPID, mac)
	router := rest.NewRouter(s)

	listen := c.String("listen")
	logrus.Infof("Listening on %s (mac %s, %s of memory)",
		listen, util.FormatMAC(mac), units.BytesSize(float64(mem)))
	return http.ListenAndServe(listen, router)
}
