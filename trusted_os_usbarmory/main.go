// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

// The trusted_os_usbarmory firmware is a secure monitor hosting the FF-A
// partition manager on the USB armory Mk II.
//
// The partition and Normal World images are embedded from the assets
// directory, where sp_echo.elf and nonsecure_os_go.elf must be copied after
// building sp_echo and nonsecure_os_go.
package main

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"time"
	_ "unsafe"

	"github.com/sirupsen/logrus"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/imx6"
	"github.com/usbarmory/tamago/soc/imx6/usb"

	"github.com/usbarmory/imx-usbnet"

	"github.com/usbarmory/GoTEE-spm/blockstore"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/trusted_os_usbarmory/cmd"
	"github.com/usbarmory/GoTEE-spm/trusted_os_usbarmory/internal"
	"github.com/usbarmory/GoTEE-spm/util"
)

const (
	sshPort = 22
	IP      = "10.0.0.1"
	MAC     = "1a:55:89:a2:69:41"
	hostMAC = "1a:55:89:a2:69:42"
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = mem.SecureStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = mem.SecureSize

//go:embed assets/sp_echo.toml
var spEchoManifest []byte

//go:embed assets/sp_echo.elf
var spEcho []byte

//go:embed assets/nonsecure_os_go.elf
var osELF []byte

var banner = fmt.Sprintf("%s/%s (%s) • FF-A secure partition manager (Secure World system/monitor)", runtime.GOOS, runtime.GOARCH, runtime.Version())

func init() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	// Move DMA region to prevent NonSecure access, alternatively
	// iRAM/OCRAM (default DMA region) can be locked down on its own (as it
	// is outside TZASC control).
	dma.Init(mem.SecureDMAStart, mem.SecureDMASize)

	if imx6.Native {
		if err := imx6.SetARMFreq(900); err != nil {
			logrus.Warnf("SM could not set ARM frequency, %v", err)
		}

		debugConsole, _ := usbarmory.DetectDebugAccessory(250 * time.Millisecond)
		<-debugConsole
	}

	logrus.Info(banner)
}

func main() {
	defer logrus.Infof("SM says goodbye")

	gotee.Partitions = []gotee.Image{
		{Manifest: spEchoManifest, ELF: spEcho},
	}

	gotee.OS = osELF

	// RPMB contents do not persist across resets on this target
	if err := gotee.Init(blockstore.NewMemory(blockstore.DefaultSize)); err != nil {
		logrus.Fatal(err)
	}

	if !imx6.Native {
		if err := gotee.GoTEE(); err != nil {
			logrus.Fatal(err)
		}

		return
	}

	iface, err := usbnet.Init(IP, MAC, hostMAC, 1)

	if err != nil {
		logrus.Fatalf("SM could not initialize USB networking, %v", err)
	}

	iface.EnableICMP()

	listener, err := iface.ListenerTCP4(sshPort)

	if err != nil {
		logrus.Fatalf("SM could not initialize SSH listener, %v", err)
	}

	gotee.Console = &util.Console{
		Banner:  banner,
		Help:    cmd.Help,
		Handler: cmd.Handle,
	}

	if err = gotee.Console.Start(listener); err != nil {
		logrus.Fatalf("SM could not initialize SSH server, %v", err)
	}

	usb.USB1.Init()
	usb.USB1.DeviceMode()
	usb.USB1.Reset()

	// never returns
	usb.USB1.Start(iface.Device())
}
