package config

import "github.com/go-playground/validator/v10"

// validate is the shared struct validator instance, created once at package
// initialisation and used by Document.Validate.
var validate = validator.New()
