// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package gotee

import (
	"github.com/usbarmory/tamago/soc/imx6"
	"github.com/usbarmory/tamago/soc/imx6/csu"
	"github.com/usbarmory/tamago/soc/imx6/tzasc"

	"github.com/usbarmory/GoTEE-spm/mem"
)

// configureTrustZone grants the Normal World access to peripherals and to the
// communication buffers, which sit outside its own memory (TZASC region 1,
// set by monitor.Load). When lock is set DMA masters and sensitive
// peripherals are restricted to the Secure World.
func configureTrustZone(lock bool) (err error) {
	// grant NonSecure access to CP10 and CP11
	imx6.ARM.NonSecureAccessControl(1<<11 | 1<<10)

	if !imx6.Native {
		return
	}

	csu.Init()

	// grant NonSecure access to all peripherals
	for i := csu.CSL_MIN; i < csu.CSL_MAX; i++ {
		if err = csu.SetSecurityLevel(i, 0, csu.SEC_LEVEL_0, false); err != nil {
			return
		}

		if err = csu.SetSecurityLevel(i, 1, csu.SEC_LEVEL_0, false); err != nil {
			return
		}
	}

	// TZASC NonSecure World R/W access to the communication buffers
	if err = tzasc.EnableRegion(2, mem.NSCommBufStart, mem.NSCommBufSize, (1<<tzasc.SP_NW_RD)|(1<<tzasc.SP_NW_WR)); err != nil {
		return
	}

	if !lock {
		imx6.EnableDebug()
		return
	}

	imx6.DisableDebug()

	// set all masters to NonSecure
	for i := csu.SA_MIN; i < csu.SA_MAX; i++ {
		if err = csu.SetAccess(i, false, false); err != nil {
			return
		}
	}

	// restrict ROMCP
	if err = csu.SetSecurityLevel(13, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// restrict TZASC
	if err = csu.SetSecurityLevel(16, 1, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// restrict USB, used by the console
	if err = csu.SetSecurityLevel(4, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// set USB master as Secure
	return csu.SetAccess(4, true, false)
}
