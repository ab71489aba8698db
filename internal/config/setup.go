package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the operator through first-time configuration and
// saves the result. Answers are read from in, prompts go to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := &prompter{r: bufio.NewReader(in), w: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║         voxelnet - First Run Setup           ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for {
		askSettings(p, cfg)
		if p.eof {
			return fmt.Errorf("setup aborted: %w", io.ErrUnexpectedEOF)
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := p.Ask("Would you like to try again? (yes/no)", "yes")
		if p.eof || strings.ToLower(retry) != "yes" {
			return errors.New("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "✓ Configuration saved to %s\n", cfg.Path())
	fmt.Fprintln(out)
	return nil
}

func askSettings(p *prompter, cfg *Config) {
	p.Section("Server Identity")
	cfg.Server.Hostname = p.Ask("Hostname shown to players", cfg.Server.Hostname)
	cfg.Server.MOTD = p.Ask("Message of the day", cfg.Server.MOTD)

	p.Section("Network")
	cfg.Server.Port = p.AskInt("Session port", cfg.Server.Port)
	cfg.Server.MaxPeers = p.AskInt("Maximum players", cfg.Server.MaxPeers)
	cfg.Discovery.Enabled = p.AskBool("Answer LAN discovery requests", cfg.Discovery.Enabled)

	p.Section("Admin Account")
	admin := Account{Name: "admin"}
	if len(cfg.Accounts) > 0 {
		admin = cfg.Accounts[0]
	}
	admin.Name = p.Ask("Account name", admin.Name)
	admin.Password = p.AskPassword("Account password", admin.Password)
	cfg.Accounts = []Account{admin}

	p.Section("Admin API")
	cfg.API.Enabled = p.AskBool("Enable REST API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = p.AskInt("REST API port", cfg.API.Port)
		if cfg.API.Token == "" {
			cfg.API.Token = randomToken()
		}
		cfg.API.Token = p.Ask("Bearer token", cfg.API.Token)
	}

	p.Section("MQTT Telemetry")
	cfg.MQTT.Enabled = p.AskBool("Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = p.Ask("Broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = p.AskInt("Broker port", cfg.MQTT.Port)
	}
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// prompter reads one answer per line. An empty answer keeps the default.
type prompter struct {
	r   *bufio.Reader
	w   io.Writer
	eof bool
}

func (p *prompter) Section(title string) {
	fmt.Fprintf(p.w, "\n── %s ──\n", title)
}

func (p *prompter) read() string {
	input, err := p.r.ReadString('\n')
	if err != nil && input == "" {
		p.eof = true
	}
	return strings.TrimSpace(input)
}

func (p *prompter) Ask(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.w, "  %s: ", prompt)
	}

	if input := p.read(); input != "" {
		return input
	}
	return defaultVal
}

// AskPassword never echoes the current value.
func (p *prompter) AskPassword(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.w, "  %s [keep current]: ", prompt)
	} else {
		fmt.Fprintf(p.w, "  %s: ", prompt)
	}

	if input := p.read(); input != "" {
		return input
	}
	return defaultVal
}

func (p *prompter) AskInt(prompt string, defaultVal int) int {
	fmt.Fprintf(p.w, "  %s [%d]: ", prompt, defaultVal)

	input := p.read()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.w, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p *prompter) AskBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.read())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
