package main

import (
	"fmt"

	"github.com/example/go-vibevoice/internal/voice"
	"github.com/spf13/cobra"
)

func newVoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List available voice presets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			store, err := voice.Load(cfg.Paths.VoicesDir)
			if err != nil {
				return fmt.Errorf("load voice presets from %q: %w", cfg.Paths.VoicesDir, err)
			}

			ids := store.IDs()
			if len(ids) == 0 {
				cmd.Println("no voice presets found")
				return nil
			}
			for _, id := range ids {
				preset, err := store.Get(id)
				if err != nil {
					return err
				}
				cmd.Printf("%s\t%s\t(tts prompt %d, lm prompt %d)\n",
					id, preset.Meta.Name, preset.Meta.TTSPromptLen, preset.Meta.LMPromptLen)
			}
			return nil
		},
	}

	return cmd
}
