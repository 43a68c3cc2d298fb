package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/ethrdma/ethrdma/app/cmd"
	"github.com/ethrdma/ethrdma/pkg/meta"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	a := cli.NewApp()
	a.Name = "ethrdma"
	a.Usage = "software RDMA engine riding on raw Ethernet frames"
	a.Version = meta.Version
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Commands = []cli.Command{
		cmd.LoopbackCmd(),
		cmd.NetpairCmd(),
		cmd.ServerCmd(),
		versionCmd(),
	}

	if err := a.Run(os.Args); err != nil {
		logrus.Fatalf("Error running ethrdma: %v", err)
	}
}

func versionCmd() cli.Command {
	return cli.Command{
		Name: "version",
		Action: func(c *cli.Context) {
			v, err := json.Marshal(meta.GetVersion())
			if err != nil {
				logrus.Fatalf("Error getting version: %v", err)
			}
			fmt.Println(string(v))
		},
	}
}
