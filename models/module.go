package models

type Module struct {
	Slug          string `json:"slug" yaml:"slug"`
	Name          string `json:"name" yaml:"name"`
	ViewParameter string `json:"view_parameter,omitempty" yaml:"view_parameter"`
	Category      string `json:"category,omitempty" yaml:"category"`
	Description   string `json:"description,omitempty" yaml:"description"`
	IsCore        bool   `json:"is_core" yaml:"is_core"`
	IsActive      bool   `json:"is_active" yaml:"is_active"`
}
