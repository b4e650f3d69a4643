// Package cos - connection correlation ids for log lines only; ids never
// appear on the wire or in metric labels.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"sync"

	"github.com/teris-io/shortid"
)

const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func initSID() {
	sid = shortid.MustNew(1 /*worker*/, idABC, 0)
}

// GenConnID returns a short opaque id identifying a Connection for the
// lifetime of the process. Never sent on the wire.
func GenConnID() string {
	sidOnce.Do(initSID)
	return sid.MustGenerate()
}
