package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/security"
)

// errMismatch is returned when a well-formed signature belongs to someone
// else, so the process exits non-zero.
var errMismatch = errors.New("signature does not match signer")

func newHashCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the content hash of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg := contenthash.Algorithm(algorithm)
			if err := alg.Validate(); err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("unable to open %s: %w", args[0], err)
			}
			defer f.Close()
			sum, err := contenthash.SumReader(alg, f)
			if err != nil {
				return err
			}
			reportf(cmd, "%s", sum.Hex())
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(contenthash.Default), "hash algorithm (sha256, keccak256, blake3, blake2b)")
	return cmd
}

func newMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <document-hash>",
		Short: "Print the message a signer approves for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := contenthash.Parse(args[0])
			if err != nil {
				return err
			}
			reportf(cmd, "%s", security.SigningMessage(hash))
			return nil
		},
	}
}

func newSignCmd() *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "sign <document-hash>",
		Short: "Sign a document hash with a local key",
		Long:  "Sign a document hash with a local key. The key is read from --key or SIGNER_KEY.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := contenthash.Parse(args[0])
			if err != nil {
				return err
			}
			if keyHex == "" {
				keyHex = os.Getenv("SIGNER_KEY")
			}
			if keyHex == "" {
				return errors.New("a signing key is required")
			}
			key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
			if err != nil {
				return fmt.Errorf("invalid signing key: %w", err)
			}
			sig, err := security.Sign(security.SigningMessage(hash), key)
			if err != nil {
				return err
			}
			reportf(cmd, "signer:    %s", crypto.PubkeyToAddress(key.PublicKey).Hex())
			reportf(cmd, "signature: %s", hexutil.Encode(sig))
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "hex encoded secp256k1 private key")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		signer  string
		sigHex  string
		message string
	)
	cmd := &cobra.Command{
		Use:   "verify [document-hash]",
		Short: "Check that a signature over a document hash recovers to signer",
		Long: "Check that a signature recovers to signer. The signed message is derived " +
			"from the document hash, or taken verbatim from --message.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(signer) {
				return fmt.Errorf("invalid signer address %q", signer)
			}
			sig, err := hexutil.Decode(sigHex)
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			var msg []byte
			switch {
			case message != "" && len(args) == 1:
				return errors.New("pass either a document hash or --message, not both")
			case message != "":
				msg = []byte(message)
			case len(args) == 1:
				hash, err := contenthash.Parse(args[0])
				if err != nil {
					return err
				}
				msg = security.SigningMessage(hash)
			default:
				return errors.New("a document hash or --message is required")
			}

			recovered, err := security.Recover(msg, sig)
			if err != nil {
				return fmt.Errorf("malformed signature: %w", err)
			}
			if recovered != common.HexToAddress(signer) {
				reportf(cmd, "INVALID: recovered %s", recovered.Hex())
				return errMismatch
			}
			reportf(cmd, "VALID: signed by %s", recovered.Hex())
			return nil
		},
	}
	cmd.Flags().StringVarP(&signer, "signer", "s", "", "claimed signer address")
	cmd.Flags().StringVar(&sigHex, "sig", "", "0x-prefixed 65 byte signature")
	cmd.Flags().StringVarP(&message, "message", "m", "", "verify this exact message instead of a document hash")
	_ = cmd.MarkFlagRequired("signer")
	_ = cmd.MarkFlagRequired("sig")
	return cmd
}
