package fields

// DefaultSchema is the built-in set of writable CRM fields used when a
// tenant has not registered its own schema.
func DefaultSchema() Schema {
	return Schema{
		"lead": {
			"status":          "string",
			"source":          "string",
			"owner_id":        "uuid",
			"score":           "int",
			"estimated_value": "decimal",
			"qualified_at":    "datetime",
			"follow_up_on":    "date",
			"is_converted":    "bool",
			"company_name":    "string",
		},
		"contact": {
			"first_name":     "string",
			"last_name":      "string",
			"email":          "string",
			"phone":          "string",
			"owner_id":       "uuid",
			"lifecycle":      "string",
			"do_not_contact": "bool",
			"birthday":       "date",
		},
		"account": {
			"name":           "string",
			"industry":       "string",
			"owner_id":       "uuid",
			"annual_revenue": "decimal",
			"employee_count": "int",
			"tier":           "string",
		},
		"opportunity": {
			"stage":       "string",
			"amount":      "decimal",
			"probability": "int",
			"owner_id":    "uuid",
			"close_date":  "date",
			"is_won":      "bool",
			"closed_at":   "datetime",
		},
	}
}
