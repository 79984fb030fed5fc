// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bbnote/rp2flash"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var logger *logrus.Logger

type Globals struct {
	LogLevel          string `help:"Logging verbosity." default:"info" enum:"trace,debug,info,warn,error" env:"RP2FLASH_LOG_LEVEL"`
	Serial            string `help:"Serial number of the ST-Link to use." env:"RP2FLASH_SERIAL"`
	Speed             uint32 `help:"SWD clock in kHz." default:"1800" env:"RP2FLASH_SPEED"`
	ConnectUnderReset bool   `help:"Hold the target in reset while connecting." env:"RP2FLASH_CONNECT_UNDER_RESET"`
	Sim               bool   `help:"Run against a simulated RP2040 instead of an ST-Link." env:"RP2FLASH_SIM"`
	FlashSize         uint32 `help:"Size of the QSPI flash in bytes." default:"0x200000" env:"RP2FLASH_FLASH_SIZE"`
	QuadRead          bool   `help:"Map the flash with quad I/O fast reads (0xeb)." env:"RP2FLASH_QUAD_READ"`
}

func (g *Globals) chipConfig() rp2flash.ChipConfig {
	cfg := rp2flash.DefaultChipConfig()
	cfg.FlashSize = g.FlashSize

	if g.QuadRead {
		cfg.OpRead = 0xeb
	}

	return cfg
}

type FlashCmd struct {
	Image  string `arg:"" help:"Firmware image, Intel HEX (.hex) or raw binary." type:"existingfile"`
	Base   uint32 `help:"Load address of raw binaries." default:"0x10000000"`
	Chunk  int    `help:"Bytes per write request." default:"1024"`
	Verify bool   `help:"Read the image back and compare checksums."`
	Dump   string `help:"Write the programmed flash content to this Intel HEX file." type:"path"`
}

type InfoCmd struct{}

var cli struct {
	Globals

	Flash FlashCmd `cmd:"" help:"Program a firmware image into the flash."`
	Info  InfoCmd  `cmd:"" help:"Show adapter, target and flash information."`
}

// connection is the register and memory access of either an ST-Link or
// the simulated target.
type connection struct {
	regs     rp2flash.RegisterAccess
	mem      rp2flash.MemoryReader
	progress func() uint64
	stLink   *rp2flash.StLink
	close    func()
}

func connect(g *Globals) (*connection, error) {
	if g.Sim {
		sim := rp2flash.NewSimulatedTarget(rp2flash.SimOptions{FlashSize: g.FlashSize, BusyPolls: 2})

		logger.Info("using simulated RP2040")

		return &connection{regs: sim, mem: sim, progress: sim.Accesses, close: func() {}}, nil
	}

	if err := rp2flash.InitializeUSB(); err != nil {
		return nil, err
	}

	config := rp2flash.NewStLinkConfig(rp2flash.AllSupportedVIds, rp2flash.AllSupportedPIds,
		g.Serial, g.Speed, g.ConnectUnderReset)

	stLink, err := rp2flash.NewStLink(config)
	if err != nil {
		rp2flash.CloseUSB()
		return nil, errors.Wrap(err, "error while scanning for st-links on your computer")
	}

	regs := rp2flash.NewStLinkRegisters(stLink)

	return &connection{
		regs:     regs,
		mem:      stLink,
		progress: regs.Accesses,
		stLink:   stLink,
		close: func() {
			regs.Close()
			stLink.Close()
			rp2flash.CloseUSB()
		},
	}, nil
}

func loadImage(path string, base uint32) ([]rp2flash.ImageSegment, error) {
	if strings.EqualFold(filepath.Ext(path), ".hex") {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		defer file.Close()

		return rp2flash.ParseHexImage(file)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return rp2flash.BinaryImage(base, data), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)

	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-signals:
			logger.Warn("interrupted, aborting...")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(signals)
	}()

	return ctx, cancel
}

func (c *FlashCmd) Run(g *Globals) error {
	segments, err := loadImage(c.Image, c.Base)
	if err != nil {
		return errors.Wrapf(err, "load %s", c.Image)
	}

	if len(segments) == 0 {
		return errors.Errorf("%s holds no data", c.Image)
	}

	conn, err := connect(g)
	if err != nil {
		return err
	}

	defer conn.close()

	cfg := g.chipConfig()

	engine, err := rp2flash.NewFlashActions(conn.regs, cfg)
	if err != nil {
		return err
	}

	driver, err := rp2flash.NewFlashDriver(engine,
		rp2flash.NewWriteBuffer(cfg.PageSize, rp2flash.DefaultWriteBufferSize, true), cfg)
	if err != nil {
		return err
	}

	opts := rp2flash.DefaultRunOptions()
	opts.Progress = conn.progress

	programmer := rp2flash.NewProgrammer(rp2flash.NewTarget(driver, cfg), c.Chunk, opts)

	ctx, cancel := signalContext()
	defer cancel()

	total := 0
	for _, s := range segments {
		logger.Debugf("segment 0x%08x+%d", s.Address, len(s.Data))
		total += len(s.Data)
	}

	logger.Infof("programming %d bytes in %d segments (%s)", total, len(segments), cfg)

	if err := programmer.Program(ctx, segments); err != nil {
		return err
	}

	if c.Verify {
		if err := programmer.Verify(conn.mem, segments); err != nil {
			return err
		}

		logger.Info("verify ok")
	}

	if c.Dump != "" {
		if err := dump(c.Dump, conn.mem, segments); err != nil {
			return err
		}
	}

	stats := driver.Stats()
	engineStats := engine.Stats()

	color.New(color.FgGreen, color.Bold).Printf("flashed %d bytes: ", stats.BytesWritten)
	color.New(color.FgWhite).Printf("%d pages, erased 64K x%d 32K x%d 4K x%d, %d status polls\n",
		stats.PagesWritten, stats.Erases64K, stats.Erases32K, stats.Erases4K, engineStats.StatusPolls)

	if stats.UnerasedSectors > 0 {
		color.New(color.FgYellow).Printf("%d sectors were written without being erased first\n",
			stats.UnerasedSectors)
	}

	return nil
}

func dump(path string, mem rp2flash.MemoryReader, segments []rp2flash.ImageSegment) error {
	var content []rp2flash.ImageSegment

	for _, s := range segments {
		start := s.Address &^ 3
		buf := make([]byte, (s.End()+3)&^3-start)

		if err := mem.ReadMemory(start, buf); err != nil {
			return errors.Wrapf(err, "read 0x%08x+%d", start, len(buf))
		}

		content = append(content, rp2flash.ImageSegment{Address: start, Data: buf})
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}

	defer file.Close()

	if err := rp2flash.WriteHexImage(file, content); err != nil {
		return err
	}

	logger.Infof("flash content written to %s", path)

	return nil
}

func (c *InfoCmd) Run(g *Globals) error {
	conn, err := connect(g)
	if err != nil {
		return err
	}

	defer conn.close()

	cfg := g.chipConfig()
	target := rp2flash.NewTarget(nil, cfg)

	header := color.New(color.FgCyan, color.Bold)

	if conn.stLink != nil {
		header.Println("adapter")
		color.White("  ST-Link %s", conn.stLink.Version())

		if voltage, err := conn.stLink.GetTargetVoltage(); err == nil {
			color.White("  target voltage %.2f V", voltage)
		}

		if code, err := conn.stLink.GetIdCode(); err == nil {
			color.White("  id code 0x%08x", code)
		}
	}

	header.Println("target")
	color.White("  %s, core 0 0x%08x, core 1 0x%08x", target.Name(), target.SWDCoreID(0), target.SWDCoreID(1))
	color.White("  %s", cfg)

	header.Println("memory map")
	color.White("%s", strings.ReplaceAll(target.MemoryMap(), "\r\n", "\n"))

	return nil
}

func initLogger(level string) {
	formatter := &prefixed.TextFormatter{
		DisableColors:   false,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger = logrus.New()

	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stdout)

	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("picoFlasher"),
		kong.Description("Programs the QSPI flash of an RP2040 through an ST-Link."),
		kong.UsageOnError())

	initLogger(cli.LogLevel)
	rp2flash.SetLogger(logger)

	err := ctx.Run(&cli.Globals)

	if err != nil {
		logger.Error(err)
		os.Exit(-1)
	}
}
