package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvore/werm/internal/auth"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a JWT signing key (EC P-256) for the serve endpoint",
		Long:  "Generates an ECDSA P-256 private key for JWT signing and prints it as base64-DER.\nSet the result as jwt_key in werm.yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, encoded, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(encoded)
			return nil
		},
	}
}
