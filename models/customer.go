package models

import "time"

type Customer struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name" yaml:"name"`
	Email            string    `json:"email" yaml:"email"`
	Phone            string    `json:"phone,omitempty" yaml:"phone"`
	Company          string    `json:"company,omitempty" yaml:"company"`
	AllowedDomains   []string  `json:"allowed_domains" yaml:"allowed_domains"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty" yaml:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time `json:"updated_at" yaml:"-"`
}
