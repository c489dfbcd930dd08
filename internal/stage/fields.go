package stage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldTel      FieldType = "tel"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
)

// DateLayout is the wire format of date fields.
const DateLayout = "2006-01-02"

type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// FieldDef describes one input of the lead intake form.
type FieldDef struct {
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	ReadOnly    bool      `json:"readonly,omitempty"`
	Prefix      string    `json:"prefix,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`
	Options     []Option  `json:"options,omitempty"`
}

var fieldDefs = map[string]FieldDef{
	"nombre_contacto":   {Label: "Nombre del Contacto", Type: FieldText, Required: true, Placeholder: "Ej: Juan Pérez"},
	"empresa":           {Label: "Empresa", Type: FieldText, Required: true, Placeholder: "Ej: Acme Corp"},
	"email_contacto":    {Label: "Email", Type: FieldEmail, Placeholder: "juan@acme.com"},
	"telefono_contacto": {Label: "Teléfono", Type: FieldTel, Placeholder: "+34 600 123 456"},
	"valor_potencial":   {Label: "Valor Potencial", Type: FieldNumber, Prefix: "€", Placeholder: "5000"},

	"proxima_accion":       {Label: "Próxima Acción", Type: FieldText, Placeholder: "Ej: Llamar para seguimiento"},
	"proxima_accion_fecha": {Label: "Fecha de Próxima Acción", Type: FieldDate},
	"notas":                {Label: "Notas", Type: FieldTextarea, Placeholder: "Observaciones, detalles adicionales..."},

	"producto":        {Label: "Producto/Servicio", Type: FieldText, Placeholder: "Ej: Consultoría Digital"},
	"cantidad":        {Label: "Cantidad", Type: FieldNumber, Placeholder: "1"},
	"precio_unitario": {Label: "Precio Unitario", Type: FieldNumber, Prefix: "€", Placeholder: "5000"},

	"costes_estimados": {Label: "Costes Estimados", Type: FieldNumber, Prefix: "€", Placeholder: "2000"},

	"facturacion": {Label: "Facturación Total", Type: FieldNumber, Required: true, ReadOnly: true, Prefix: "€"},
	"costes":      {Label: "Costes Totales", Type: FieldNumber, Prefix: "€", Placeholder: "2000"},
	"margen":      {Label: "Margen", Type: FieldNumber, ReadOnly: true, Prefix: "€"},
	"forma_pago": {Label: "Forma de Pago", Type: FieldSelect, Options: []Option{
		{Value: "transferencia", Label: "Transferencia Bancaria"},
		{Value: "tarjeta", Label: "Tarjeta de Crédito"},
		{Value: "efectivo", Label: "Efectivo"},
		{Value: "paypal", Label: "PayPal"},
		{Value: "bizum", Label: "Bizum"},
		{Value: "stripe", Label: "Stripe"},
	}},
	"numero_factura":       {Label: "Número de Factura", Type: FieldText, Placeholder: "FAC-2026-001"},
	"cobro_fecha_esperada": {Label: "Fecha Esperada de Cobro", Type: FieldDate},
}

var (
	contactFields = []string{"nombre_contacto", "empresa", "email_contacto", "telefono_contacto"}
	actionFields  = []string{"proxima_accion", "proxima_accion_fecha"}
	offerFields   = []string{"producto", "cantidad", "precio_unitario"}
)

func join(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var stageFields = map[string][]string{
	"frio":        join(contactFields, []string{"valor_potencial"}),
	"tibio":       join(contactFields, []string{"valor_potencial", "notas"}),
	"hot":         join(contactFields, []string{"valor_potencial"}, actionFields, []string{"notas"}),
	"propuesta":   join(contactFields, []string{"valor_potencial"}, offerFields, actionFields, []string{"notas"}),
	"negociacion": join(contactFields, []string{"valor_potencial"}, offerFields, []string{"costes_estimados"}, actionFields, []string{"notas"}),
	"cerrado_ganado": join(contactFields, offerFields,
		[]string{"facturacion", "costes", "margen", "forma_pago", "numero_factura", "cobro_fecha_esperada", "notas"}),
	"cerrado_perdido": {"nombre_contacto", "empresa", "notas"},
}

// LeadFields returns the form fields shown for a lead in stageID, in display order.
func LeadFields(stageID string) ([]FieldDef, error) {
	names, ok := stageFields[stageID]
	if !ok {
		return nil, fmt.Errorf("lead fields for %q: %w", stageID, ErrStageNotFound)
	}
	out := make([]FieldDef, 0, len(names))
	for _, n := range names {
		def := fieldDefs[n]
		def.Name = n
		out = append(out, def)
	}
	return out, nil
}

// Derive fills the read-only totals of the closing form: facturacion is quantity
// times unit price and margen is facturacion minus costs. values is modified in place.
func Derive(values map[string]any) {
	if values == nil {
		return
	}
	_, hasQty := values["cantidad"]
	_, hasPrice := values["precio_unitario"]
	if !hasQty && !hasPrice {
		return
	}
	qty, _ := Number(values["cantidad"])
	price, _ := Number(values["precio_unitario"])
	costs, _ := Number(values["costes"])
	billing := qty * price
	values["facturacion"] = billing
	values["margen"] = billing - costs
}

// ValidateLeadFields checks values against the form of stageID. Fields that are not
// part of the stage form are ignored. The returned error is a validation.Errors keyed
// by field name.
func ValidateLeadFields(stageID string, values map[string]any) error {
	defs, err := LeadFields(stageID)
	if err != nil {
		return err
	}
	errs := validation.Errors{}
	for _, def := range defs {
		v := values[def.Name]
		if err := validation.Validate(v, rulesFor(def)...); err != nil {
			errs[def.Name] = err
		}
	}
	return errs.Filter()
}

func rulesFor(def FieldDef) []validation.Rule {
	var rules []validation.Rule
	if def.Required && !def.ReadOnly {
		rules = append(rules, validation.Required)
	}
	switch def.Type {
	case FieldText, FieldTel, FieldTextarea:
		rules = append(rules, validation.By(isString))
	case FieldEmail:
		rules = append(rules, validation.By(isString), is.EmailFormat)
	case FieldNumber:
		rules = append(rules, validation.By(isNumber))
	case FieldDate:
		rules = append(rules, validation.By(isString), validation.Date(DateLayout))
	case FieldSelect:
		opts := make([]any, 0, len(def.Options))
		for _, o := range def.Options {
			opts = append(opts, o.Value)
		}
		rules = append(rules, validation.By(isString), validation.In(opts...))
	}
	return rules
}

func isString(v any) error {
	if v == nil {
		return nil
	}
	if _, ok := v.(string); !ok {
		return errors.New("must be a string")
	}
	return nil
}

func isNumber(v any) error {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	if _, ok := Number(v); !ok {
		return errors.New("must be a number")
	}
	return nil
}

// Number converts a decoded JSON or form value to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
