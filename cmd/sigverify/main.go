// Command sigverify checks document signatures without the portal. It needs
// only the document content or hash, the signature and the claimed signer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sigverify",
		Short:        "Offline document hashing and signature verification",
		SilenceUsage: true,
	}
	root.AddCommand(newHashCmd(), newMessageCmd(), newSignCmd(), newVerifyCmd())
	return root
}

func reportf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
