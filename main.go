package main

//go:generate glslc shaders/quad.vert -o shaders/quad.vert.spv
//go:generate glslc shaders/quad.frag -o shaders/quad.frag.spv

import (
	"os"
	"runtime"

	"golang.org/x/exp/slog"

	"vulkanquad/render"
)

func main() {
	// SDL and Vulkan surface calls must all come from the same OS thread.
	runtime.LockOSThread()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	app := &application{
		logger: logger,
		cfg: render.Config{
			FramesInFlight: render.DefaultFramesInFlight,
			Logger:         logger,
		},
	}

	err := app.Run()
	if err != nil {
		logger.Error("application failed", "error", err)
		os.Exit(1)
	}
}
