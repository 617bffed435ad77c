package api

import "github.com/example/tripledger/internal/security"

// Amounts are JSON numbers or decimal strings in major units.
const amount = `{"type": ["number", "string"]}`

const createTripSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["lr_number", "driver_phone"],
  "properties": {
    "id": {"type": "string", "maxLength": 64},
    "lr_number": {"type": "string", "minLength": 1, "maxLength": 64},
    "is_bulk": {"type": "boolean"},
    "freight": ` + amount + `,
    "advance": ` + amount + `,
    "agent_id": {"type": "string"},
    "driver_phone": {"type": "string", "minLength": 1, "maxLength": 32},
    "origin": {"type": "string"},
    "destination": {"type": "string"},
    "attachments": {"type": "array", "items": {"type": "string"}}
  }
}`

const paymentSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "amount": ` + amount + `,
    "reason": {"type": "string", "maxLength": 255},
    "mode": {"type": "string", "maxLength": 32},
    "selected_agent_id": {"type": "string"}
  }
}`

const deductionsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "cess": ` + amount + `,
    "kata": ` + amount + `,
    "excess_tonnage": ` + amount + `,
    "halting": ` + amount + `,
    "expenses": ` + amount + `,
    "beta": ` + amount + `,
    "others": ` + amount + `,
    "others_reason": {"type": "string", "maxLength": 255}
  }
}`

const openDisputeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "maxLength": 1000},
    "amount": ` + amount + `
  }
}`

const resolveDisputeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["corrections"],
  "properties": {
    "corrections": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "freight": ` + amount + `,
        "advance": ` + amount + `,
        "cess": ` + amount + `,
        "kata": ` + amount + `,
        "excess_tonnage": ` + amount + `,
        "halting": ` + amount + `,
        "expenses": ` + amount + `,
        "beta": ` + amount + `,
        "others": ` + amount + `
      }
    },
    "resolution": {"type": "string", "maxLength": 1000}
  }
}`

const walletSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "agent_id": {"type": "string"},
    "amount": ` + amount + `,
    "description": {"type": "string", "maxLength": 255}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["to_agent_id", "amount"],
  "properties": {
    "from_agent_id": {"type": "string"},
    "to_agent_id": {"type": "string", "minLength": 1},
    "amount": ` + amount + `,
    "description": {"type": "string", "maxLength": 255}
  }
}`

const amendEntrySchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "amount": ` + amount + `,
    "description": {"type": "string", "maxLength": 255}
  }
}`

type validators struct {
	createTrip     *security.JSONSchemaValidator
	payment        *security.JSONSchemaValidator
	deductions     *security.JSONSchemaValidator
	openDispute    *security.JSONSchemaValidator
	resolveDispute *security.JSONSchemaValidator
	wallet         *security.JSONSchemaValidator
	transfer       *security.JSONSchemaValidator
	amendEntry     *security.JSONSchemaValidator
}

func compileSchemas() (*validators, error) {
	var v validators
	for _, s := range []struct {
		dst    **security.JSONSchemaValidator
		name   string
		schema string
	}{
		{&v.createTrip, "create_trip", createTripSchema},
		{&v.payment, "payment", paymentSchema},
		{&v.deductions, "deductions", deductionsSchema},
		{&v.openDispute, "open_dispute", openDisputeSchema},
		{&v.resolveDispute, "resolve_dispute", resolveDisputeSchema},
		{&v.wallet, "wallet", walletSchema},
		{&v.transfer, "transfer", transferSchema},
		{&v.amendEntry, "amend_entry", amendEntrySchema},
	} {
		compiled, err := security.NewJSONSchemaValidator(s.name, s.schema)
		if err != nil {
			return nil, err
		}
		*s.dst = compiled
	}
	return &v, nil
}
