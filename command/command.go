// Package command переводит команды, пришедшие с шины, в строку для
// последовательного порта.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

// Ключи протокола устройства
const (
	KeyCommandType     = "Tipo_Com"
	KeyFunction        = "Funcion"
	KeyRegisterAddress = "Dir_Registro"
	KeySlaveAddress    = "Dir_Esclavo"
	KeySubsystem       = "Sistemas"
)

// FunctionWrite единственная функция, которую отправляет мост
const FunctionWrite = "Write"

// Field пара ключ/значение. Значение хранится в компактном JSON без
// изменений, чтобы числа и строки уходили на устройство как пришли.
type Field struct {
	Key   string
	Value json.RawMessage
}

// Request разобранный payload с сохранением порядка ключей
type Request struct {
	Fields []Field
}

// Get возвращает значение ключа верхнего уровня
func (r Request) Get(key string) (json.RawMessage, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Defaults числовые значения по умолчанию из настроек
type Defaults struct {
	CommandType     int
	RegisterAddress int
}

// Command команда для последовательного порта
type Command struct {
	CommandType     int
	Function        string
	RegisterAddress int
	SlaveAddress    json.RawMessage
	// Params дополнительные ключи верхнего уровня в порядке добавления:
	// либо параметры запроса, либо один ключ подсистемы
	Params []Field
}

// DecodeError payload не является JSON-объектом
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ValidationError запрос не прошел проверку, команда не формируется
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// Decode разбирает UTF-8 JSON-объект. Повторяющийся ключ сохраняет позицию
// первого вхождения и значение последнего.
func Decode(payload []byte) (Request, error) {
	if !utf8.Valid(payload) {
		return Request{}, &DecodeError{Err: errors.New("payload is not valid UTF-8")}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil {
		return Request{}, &DecodeError{Err: err}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Request{}, &DecodeError{Err: errors.New("payload is not a JSON object")}
	}

	var req Request
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Request{}, &DecodeError{Err: err}
		}
		key, ok := tok.(string)
		if !ok {
			return Request{}, &DecodeError{Err: fmt.Errorf("unexpected token %v", tok)}
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Request{}, &DecodeError{Err: fmt.Errorf("value of %q: %w", key, err)}
		}
		value, err := compact(raw)
		if err != nil {
			return Request{}, &DecodeError{Err: err}
		}
		req.Fields = setField(req.Fields, key, value)
	}

	// Закрывающая скобка
	if _, err := dec.Token(); err != nil {
		return Request{}, &DecodeError{Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return Request{}, &DecodeError{Err: errors.New("unexpected data after JSON object")}
	}

	return req, nil
}

// Translate строит команду из запроса.
//
// Без Sistemas все параметры, кроме Dir_Esclavo, добавляются на верхний
// уровень команды. С Sistemas параметры (без Dir_Esclavo и Sistemas)
// оборачиваются в список из одного объекта под ключом с именем подсистемы,
// даже если параметров нет: "Riego":[{}].
func Translate(req Request, defaults Defaults) (*Command, error) {
	slave, ok := req.Get(KeySlaveAddress)
	if !ok {
		return nil, &ValidationError{Field: KeySlaveAddress, Reason: "missing required field"}
	}

	cmd := &Command{
		CommandType:     defaults.CommandType,
		Function:        FunctionWrite,
		RegisterAddress: defaults.RegisterAddress,
		SlaveAddress:    slave,
	}

	params := make([]Field, 0, len(req.Fields))
	for _, f := range req.Fields {
		if f.Key == KeySlaveAddress || f.Key == KeySubsystem {
			continue
		}
		params = append(params, f)
	}

	raw, ok := req.Get(KeySubsystem)
	if !ok {
		cmd.Params = params
		return cmd, nil
	}

	name, err := subsystemKey(raw)
	if err != nil {
		return nil, err
	}
	obj, err := encodeObject(params)
	if err != nil {
		return nil, err
	}
	wrapped := make(json.RawMessage, 0, len(obj)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, obj...)
	wrapped = append(wrapped, ']')
	cmd.Params = []Field{{Key: name, Value: wrapped}}

	return cmd, nil
}

// Fields возвращает ключи команды в порядке сериализации. Параметр с именем
// базового поля заменяет значение по умолчанию на его месте.
func (c *Command) Fields() []Field {
	function, _ := json.Marshal(c.Function)
	fields := []Field{
		{Key: KeyCommandType, Value: json.RawMessage(strconv.Itoa(c.CommandType))},
		{Key: KeyFunction, Value: function},
		{Key: KeyRegisterAddress, Value: json.RawMessage(strconv.Itoa(c.RegisterAddress))},
		{Key: KeySlaveAddress, Value: c.SlaveAddress},
	}
	for _, p := range c.Params {
		fields = setField(fields, p.Key, p.Value)
	}
	return fields
}

// Line сериализует команду в компактную строку без завершающего перевода строки
func (c *Command) Line() (string, error) {
	b, err := encodeObject(c.Fields())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Command) MarshalJSON() ([]byte, error) {
	return encodeObject(c.Fields())
}

func setField(fields []Field, key string, value json.RawMessage) []Field {
	for i := range fields {
		if fields[i].Key == key {
			fields[i].Value = value
			return fields
		}
	}
	return append(fields, Field{Key: key, Value: value})
}

// subsystemKey имя подсистемы: строка как есть, число, bool или null - их
// текстовая запись. Объект или массив ключом быть не может.
func subsystemKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", &ValidationError{Field: KeySubsystem, Reason: "empty value"}
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", &ValidationError{Field: KeySubsystem, Reason: err.Error()}
		}
		return s, nil
	case '{', '[':
		return "", &ValidationError{Field: KeySubsystem, Reason: "must be a scalar value"}
	default:
		return string(raw), nil
	}
}

func encodeObject(fields []Field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := encodeString(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := json.Compact(&buf, f.Value); err != nil {
			return nil, fmt.Errorf("value of %q: %w", f.Key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
