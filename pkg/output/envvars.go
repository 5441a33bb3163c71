package output

import "github.com/butlerdotdev/butler-registry/internal/store"

// CloudIntegrationEnvVars translates a cloud integration's credential blob
// into the provider-specific environment variables the corresponding
// terraform/tofu provider plugin reads natively from its process
// environment — the same names a human would export by hand before running
// `terraform apply` against that provider.
func CloudIntegrationEnvVars(c store.CloudIntegration) map[string]string {
	raw := c.Credential.Raw
	field := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}

	env := map[string]string{}
	switch c.Provider {
	case "aws":
		setIfPresent(env, "AWS_ACCESS_KEY_ID", field("accessKeyId"))
		setIfPresent(env, "AWS_SECRET_ACCESS_KEY", field("secretAccessKey"))
		setIfPresent(env, "AWS_SESSION_TOKEN", field("sessionToken"))
		setIfPresent(env, "AWS_REGION", field("region"))
	case "gcp", "google":
		setIfPresent(env, "GOOGLE_PROJECT", field("project"))
		setIfPresent(env, "GOOGLE_REGION", field("region"))
		setIfPresent(env, "GOOGLE_CREDENTIALS", field("credentialsJson"))
	case "azure", "azurerm":
		setIfPresent(env, "ARM_CLIENT_ID", field("clientId"))
		setIfPresent(env, "ARM_CLIENT_SECRET", field("clientSecret"))
		setIfPresent(env, "ARM_TENANT_ID", field("tenantId"))
		setIfPresent(env, "ARM_SUBSCRIPTION_ID", field("subscriptionId"))
	}
	return env
}

func setIfPresent(env map[string]string, key, value string) {
	if value != "" {
		env[key] = value
	}
}
