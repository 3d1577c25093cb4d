package job

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
)

// SecretServicePackage is the protobuf package of the secret service.
const SecretServicePackage = "spaceone.api.secret.v1"

// GRPCSecrets resolves secret data through the secret service.
type GRPCSecrets struct {
	transport plugin.Transport
	endpoint  string
}

// NewGRPCSecrets creates a resolver for the secret service at endpoint.
func NewGRPCSecrets(t plugin.Transport, endpoint string) *GRPCSecrets {
	return &GRPCSecrets{transport: t, endpoint: endpoint}
}

// NewSecretTransport returns a gRPC transport configured for the secret
// service.
func NewSecretTransport(token string, opts ...plugin.GRPCOption) *plugin.GRPCTransport {
	opts = append([]plugin.GRPCOption{plugin.WithServicePackage(SecretServicePackage), plugin.WithToken(token)}, opts...)
	return plugin.NewGRPCTransport(opts...)
}

func (g *GRPCSecrets) SecretData(ctx context.Context, secretID, domainID string) (map[string]any, error) {
	resp, err := g.transport.Dispatch(ctx, g.endpoint, "Secret.get_data", map[string]any{
		"secret_id": secretID,
		"domain_id": domainID,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errs.NotFound("secret_id", secretID)
		}
		return nil, errs.Upstream(err, "get secret data %s", secretID)
	}
	data, ok := resp["data"].(map[string]any)
	if !ok {
		return nil, errs.Upstream(fmt.Errorf("response has no data"), "get secret data %s", secretID)
	}
	return data, nil
}
