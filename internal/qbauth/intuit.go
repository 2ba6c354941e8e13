package qbauth

// Environment selects the Intuit deployment the credentials belong to.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Endpoints holds the provider URLs used by the Manager and the API client.
type Endpoints struct {
	AuthURL    string
	TokenURL   string
	RevokeURL  string
	APIBaseURL string
}

// Intuit shares one OAuth2 authorization server across environments; only the
// accounting API host differs.
const (
	intuitAuthURL   = "https://appcenter.intuit.com/connect/oauth2"
	intuitTokenURL  = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	intuitRevokeURL = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"

	sandboxAPIBaseURL    = "https://sandbox-quickbooks.api.intuit.com"
	productionAPIBaseURL = "https://quickbooks.api.intuit.com"
)

// ScopeAccounting grants access to the QuickBooks Online accounting API.
const ScopeAccounting = "com.intuit.quickbooks.accounting"

// EndpointsFor returns the provider endpoints for the given environment.
func EndpointsFor(env Environment) Endpoints {
	base := productionAPIBaseURL
	if env == EnvironmentSandbox {
		base = sandboxAPIBaseURL
	}
	return Endpoints{
		AuthURL:    intuitAuthURL,
		TokenURL:   intuitTokenURL,
		RevokeURL:  intuitRevokeURL,
		APIBaseURL: base,
	}
}
