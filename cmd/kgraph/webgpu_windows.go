package main

import (
	_ "github.com/born-ml/kgraph/internal/backend/webgpu" // registers "webgpu"
)
