package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens a URL in the system's default handler. For mitid:// app links
// this hands off to the installed identity app; for https:// links it opens
// the default web browser. Headless hosts fail here and fall back to the
// terminal QR code.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		return nil
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	default:
		return fmt.Errorf("unsupported platform %q", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		log.Debugf("open %s: %v", url, err)
		return err
	}
	return nil
}
