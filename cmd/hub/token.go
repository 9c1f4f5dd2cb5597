package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bhandras/delight/hub/internal/crypto"
	"github.com/bhandras/delight/hub/pkg/logger"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"
)

func tokenCommand(args []string) error {
	var (
		flags     configFlags
		namespace string
		subject   string
		ttl       time.Duration
		showQR    bool
	)
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flags.register(fs)
	fs.StringVar(&namespace, "namespace", "", "namespace the token grants access to")
	fs.StringVar(&subject, "subject", "", "token subject (default: random id)")
	fs.DurationVar(&ttl, "ttl", 0, "token lifetime (0 = no expiry)")
	fs.BoolVar(&showQR, "qr", false, "also print the token as a QR code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if namespace == "" {
		return errors.New("--namespace is required")
	}
	if subject == "" {
		subject = uuid.NewString()
	}

	cfg, err := flags.load(fs)
	if err != nil {
		return err
	}
	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		return err
	}
	token, err := jwtManager.CreateToken(subject, namespace, ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	if showQR {
		printQRCode(token)
	}
	return nil
}

// printQRCode prints a QR code to the terminal
func printQRCode(data string) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		logger.Warnf("Failed to generate QR code: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, qr.ToSmallString(false))
}
