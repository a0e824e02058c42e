// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package confidential

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// tokenCredential adapts a Client to azcore.TokenCredential.
type tokenCredential struct {
	client Client
}

// TokenCredential returns an azcore.TokenCredential that acquires tokens with the client
// credentials grant, so the Client can authenticate Azure SDK clients such as azsecrets.Client.
func (cca Client) TokenCredential() azcore.TokenCredential {
	return tokenCredential{client: cca}
}

func (c tokenCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	ar, err := c.client.AcquireTokenByCredential(ctx, opts.Scopes, WithClaims(opts.Claims), WithTenantID(opts.TenantID))
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: ar.AccessToken, ExpiresOn: ar.ExpiresOn}, nil
}
