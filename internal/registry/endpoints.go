package registry

const (
	LiFiBaseURL   = "https://li.quest/v1"
	ZerionBaseURL = "https://api.zerion.io/v1"

	// Integrator identity and fee forwarded to the routing service. The fee
	// is collected by the service, never computed locally.
	DefaultIntegrator = "stoneplace"
	IntegratorFee     = "0.01"

	// DefaultSlippage is the route tolerance requested for every path.
	DefaultSlippage = "0.005"
	RouteOrder      = "RECOMMENDED"
)
