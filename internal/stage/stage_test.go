package stage

import (
	"errors"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeadPipelineOrderAndNext(t *testing.T) {
	reg := LeadPipeline()
	var ids []string
	for _, s := range reg.Stages() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"frio", "tibio", "hot", "propuesta", "negociacion", "cerrado_ganado", "cerrado_perdido"}, ids)
	assert.Equal(t, "frio", reg.First().ID)

	next, ok, err := reg.NextOf("negociacion")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cerrado_ganado", next.ID)

	for _, id := range []string{"cerrado_ganado", "cerrado_perdido"} {
		_, ok, err := reg.NextOf(id)
		require.NoError(t, err)
		assert.False(t, ok, id)
		assert.True(t, reg.IsTerminal(id), id)
	}
	assert.False(t, reg.IsTerminal("hot"))
}

func TestTaskBoardHasNoNextRelation(t *testing.T) {
	reg := TaskBoard()
	require.Len(t, reg.Stages(), 4)
	for _, s := range reg.Stages() {
		_, ok, err := reg.NextOf(s.ID)
		require.NoError(t, err)
		assert.False(t, ok, s.ID)
	}
	assert.True(t, reg.IsTerminal(DoneStage))
	assert.False(t, reg.IsTerminal("blocked"))
	require.Len(t, reg.Terminal(), 1)
}

func TestByIDUnknown(t *testing.T) {
	_, err := LeadPipeline().ByID("todo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageNotFound))
	assert.False(t, TaskBoard().Contains("frio"))
}

func TestStagesReturnsCopy(t *testing.T) {
	reg := TaskBoard()
	s := reg.Stages()
	s[0].ID = "mutated"
	assert.Equal(t, "todo", reg.Stages()[0].ID)
}

func TestNewRejectsDanglingNext(t *testing.T) {
	_, err := New("broken", true, Stage{ID: "a", NextID: "b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageNotFound))

	_, err = New("board", false, Stage{ID: "a", NextID: "b"}, Stage{ID: "b"})
	require.Error(t, err)

	_, err = New("dup", false, Stage{ID: "a"}, Stage{ID: "a"})
	require.Error(t, err)

	assert.Panics(t, func() { MustNew("empty", false) })
}

func TestLeadFieldsPerStage(t *testing.T) {
	defs, err := LeadFields("cerrado_perdido")
	require.NoError(t, err)
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"nombre_contacto", "empresa", "notas"}, names)

	defs, err = LeadFields("hot")
	require.NoError(t, err)
	assert.Contains(t, fieldNames(defs), "proxima_accion_fecha")
	assert.NotContains(t, fieldNames(defs), "producto")

	defs, err = LeadFields("cerrado_ganado")
	require.NoError(t, err)
	for _, d := range defs {
		if d.Name == "forma_pago" {
			assert.Len(t, d.Options, 6)
		}
		if d.Name == "margen" {
			assert.True(t, d.ReadOnly)
		}
	}

	_, err = LeadFields("todo")
	assert.True(t, errors.Is(err, ErrStageNotFound))
}

func fieldNames(defs []FieldDef) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

func TestValidateLeadFields(t *testing.T) {
	ok := map[string]any{
		"nombre_contacto":      "Ana",
		"empresa":              "Acme",
		"email_contacto":       "ana@acme.com",
		"valor_potencial":      10000.0,
		"proxima_accion_fecha": "2026-03-01",
	}
	require.NoError(t, ValidateLeadFields("hot", ok))

	bad := map[string]any{
		"empresa":              "Acme",
		"email_contacto":       "not-an-email",
		"valor_potencial":      "lots",
		"proxima_accion_fecha": "01/03/2026",
	}
	err := ValidateLeadFields("hot", bad)
	require.Error(t, err)
	var verrs validation.Errors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs, "nombre_contacto")
	assert.Contains(t, verrs, "email_contacto")
	assert.Contains(t, verrs, "valor_potencial")
	assert.Contains(t, verrs, "proxima_accion_fecha")
	assert.NotContains(t, verrs, "empresa")
}

func TestValidateSelectOption(t *testing.T) {
	values := map[string]any{"nombre_contacto": "Ana", "empresa": "Acme", "forma_pago": "cheque"}
	err := ValidateLeadFields("cerrado_ganado", values)
	require.Error(t, err)
	values["forma_pago"] = "bizum"
	assert.NoError(t, ValidateLeadFields("cerrado_ganado", values))
}

func TestDeriveTotals(t *testing.T) {
	values := map[string]any{"cantidad": 3.0, "precio_unitario": "1500", "costes": 1000.0}
	Derive(values)
	assert.Equal(t, 4500.0, values["facturacion"])
	assert.Equal(t, 3500.0, values["margen"])

	empty := map[string]any{"notas": "x"}
	Derive(empty)
	assert.NotContains(t, empty, "facturacion")
}
