// Command waveproxy runs the multi-channel AI-API reverse proxy as a
// standalone process (its host terminal application embeds the same
// internal/proxy package in-process instead).
package main

import (
	"github.com/sanshao85/waveproxy/internal/api"
	"github.com/sanshao85/waveproxy/internal/cli"
	"github.com/sanshao85/waveproxy/internal/proxy"
	"github.com/sanshao85/waveproxy/internal/version"
)

func main() {
	api.Version = version.Version
	proxy.Version = version.Version
	cli.Execute()
}
