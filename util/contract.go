// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package util

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContractViolation reports a programming error in the caller, like ending a frame that was never begun.
// Builds tagged debugcontracts panic with the message.
// Normal builds log a warning and let the caller clamp to a safe value.
func ContractViolation(fields logrus.Fields, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if StrictContracts {
		panic("contract violation: " + msg)
	}
	logrus.WithFields(fields).Warnln("Contract violation:", msg)
}
