// Command naiad generates images from text prompts with a latent diffusion pipeline.
package main

import (
	"os"

	"github.com/23skdu/longbow-naiad/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Log.Error("naiad failed", "error", err)
		os.Exit(1)
	}
}
