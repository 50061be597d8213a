package daemon

import (
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	serviceName  = "learnerd"
	launchdLabel = "learnerd.daemon"
)

// Service manager families.
const (
	PlatformSystemd = "systemd"
	PlatformLaunchd = "launchd"
)

// InstallResult describes an installed or removed service descriptor.
type InstallResult struct {
	ServiceFile  string
	Platform     string
	Instructions string
}

// platformFor maps a GOOS value to its service manager.
func platformFor(goos string) (string, error) {
	switch goos {
	case "linux":
		return PlatformSystemd, nil
	case "darwin":
		return PlatformLaunchd, nil
	}
	return "", fmt.Errorf("unsupported platform: %s (use macOS or Linux)", goos)
}

// descriptorName returns the descriptor file name for a service manager.
func descriptorName(platform string) string {
	if platform == PlatformLaunchd {
		return launchdLabel + ".plist"
	}
	return serviceName + ".service"
}

// defaultServiceDir returns where the service manager looks for descriptors.
func defaultServiceDir(platform string) string {
	if platform == PlatformLaunchd {
		return "/Library/LaunchDaemons"
	}
	return "/etc/systemd/system"
}

// GenerateSystemdUnit returns the systemd unit for cfg.
func GenerateSystemdUnit(cfg Config) string {
	var sb strings.Builder
	sb.WriteString(`[Unit]
Description=Academic paper metadata refresher
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=` + strings.Join(append([]string{cfg.Executable}, cfg.Args...), " ") + `
WorkingDirectory=` + cfg.WorkingDir + `
PIDFile=` + cfg.PIDFile + `
Restart=on-failure
RestartSec=60
StandardOutput=append:` + filepath.Join(cfg.LogDir, "stdout.log") + `
StandardError=append:` + filepath.Join(cfg.LogDir, "stderr.log") + `

[Install]
WantedBy=multi-user.target
`)
	return sb.String()
}

// GenerateLaunchdPlist returns the launchd property list for cfg.
func GenerateLaunchdPlist(cfg Config) string {
	var args strings.Builder
	for _, a := range append([]string{cfg.Executable}, cfg.Args...) {
		args.WriteString("    <string>" + xmlEscape(a) + "</string>\n")
	}

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key>
  <string>` + launchdLabel + `</string>
  <key>ProgramArguments</key>
  <array>
` + args.String() + `  </array>
  <key>RunAtLoad</key>
  <true/>
  <key>KeepAlive</key>
  <dict>
    <key>SuccessfulExit</key>
    <false/>
  </dict>
  <key>ThrottleInterval</key>
  <integer>60</integer>
  <key>WorkingDirectory</key>
  <string>` + xmlEscape(cfg.WorkingDir) + `</string>
  <key>StandardOutPath</key>
  <string>` + xmlEscape(filepath.Join(cfg.LogDir, "stdout.log")) + `</string>
  <key>StandardErrorPath</key>
  <string>` + xmlEscape(filepath.Join(cfg.LogDir, "stderr.log")) + `</string>
</dict>
</plist>
`)
	return sb.String()
}

func xmlEscape(s string) string {
	var sb strings.Builder
	xml.EscapeText(&sb, []byte(s))
	return sb.String()
}

func generateDescriptor(platform string, cfg Config) string {
	if platform == PlatformLaunchd {
		return GenerateLaunchdPlist(cfg)
	}
	return GenerateSystemdUnit(cfg)
}

func installInstructions(platform, path string, cfg Config) string {
	if platform == PlatformLaunchd {
		return fmt.Sprintf(`Service installed.

  Service file: %s

  Start now:    sudo launchctl load %s
  Stop:         sudo launchctl unload %s
  Logs:         tail -f %s`, path, path, path, filepath.Join(cfg.LogDir, logFileName))
	}
	return fmt.Sprintf(`Service installed.

  Service file: %s

  Reload:       sudo systemctl daemon-reload
  Enable:       sudo systemctl enable %s
  Start:        sudo systemctl start %s
  Logs:         tail -f %s`, path, serviceName, serviceName, filepath.Join(cfg.LogDir, logFileName))
}
