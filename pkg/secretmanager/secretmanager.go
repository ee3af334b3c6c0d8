package secretmanager

import (
	"github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides a vault client built from the standard VAULT_* environment
// variables. Include it only when VAULT_ADDR is set; config treats a missing
// client as "no secret overlay".
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(vault.WithEnvironment())
	if err != nil {
		return nil, err
	}
	return client, nil
}
