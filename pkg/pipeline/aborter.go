// Copyright 2025 Certen Protocol

package pipeline

import "github.com/opchain/taskrunner/pkg/rollback"

var _ rollback.Aborter = (*Executor)(nil)
