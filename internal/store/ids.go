// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"time"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

func now() time.Time { return time.Now().UTC() }
