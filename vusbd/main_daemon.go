package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/canonical/vusbd/shared/logger"
)

type cmdDaemon struct {
	global *cmdGlobal

	flagConfig string
}

func (c *cmdDaemon) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "vusbd [stub-mode]"
	cmd.Short = "USB passthrough daemon"
	cmd.Long = `Description:
  USB passthrough daemon

  This daemon runs in the control domain. It watches USB hotplug events,
  applies the assignment policy and wires devices through to guests over
  the paravirtualised USB bus.

  When started with the "stub-mode" argument it services hotplug without
  registering the management API or loading the policy.
`
	cmd.RunE = c.Run
	cmd.Flags().StringVar(&c.flagConfig, "config", "", "Path to the config file")

	return cmd
}

func (c *cmdDaemon) Run(cmd *cobra.Command, args []string) error {
	if len(args) > 1 || (len(args) == 1 && args[0] != "stub-mode") {
		return fmt.Errorf("Unknown argument %q", args)
	}

	stubMode := len(args) == 1

	// Setup logger.
	logger.Init("vusbd", c.global.flagLogVerbose, c.global.flagLogDebug)

	logger.Info("Starting", logger.Ctx{"stub": stubMode})
	defer logger.Info("Stopped")

	config, err := loadConfig(c.flagConfig)
	if err != nil {
		return err
	}

	d := newDaemon(config, stubMode)

	err = d.init()
	if err != nil {
		return err
	}

	// Stop cleanly on SIGTERM or SIGINT.
	chSignal := make(chan os.Signal, 1)
	signal.Notify(chSignal, unix.SIGTERM, unix.SIGINT)

	go func() {
		sig := <-chSignal
		logger.Info("Received signal, stopping", logger.Ctx{"signal": sig})
		d.Kill()
	}()

	err = d.Wait()
	d.shutdown()

	return err
}
