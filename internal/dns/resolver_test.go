package dns

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestStaticResolver(t *testing.T) {
	r := &StaticResolver{
		Hosts: map[string]string{"direct.example": "direct.example"},
		MX:    map[string]string{"mx.example": "mail.mx.example"},
	}
	ctx := context.Background()

	if !r.DomainExists(ctx, "direct.example") {
		t.Error("DomainExists(direct.example) = false")
	}
	if !r.DomainExists(ctx, "mx.example") {
		t.Error("DomainExists(mx.example) = false")
	}
	if r.DomainExists(ctx, "nowhere.example") {
		t.Error("DomainExists(nowhere.example) = true")
	}

	host, err := r.DeliveryHost(ctx, "direct.example")
	if err != nil || host != "direct.example" {
		t.Errorf("DeliveryHost(direct.example) = %q, %v", host, err)
	}

	host, err = r.DeliveryHost(ctx, "mx.example")
	if err != nil || host != "mail.mx.example" {
		t.Errorf("DeliveryHost(mx.example) = %q, %v", host, err)
	}

	_, err = r.DeliveryHost(ctx, "nowhere.example")
	if err == nil {
		t.Fatal("DeliveryHost(nowhere.example) error = nil")
	}
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Errorf("DeliveryHost error = %v, want not-found DNSError", err)
	}
}
