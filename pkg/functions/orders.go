package functions

import (
	"context"

	"voice-gateway/pkg/config"
)

// OrderItem is one line of an order
type OrderItem struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
	Notes    string `json:"notes,omitempty"`
}

// OrderRequest is the create_order argument set, posted to the backend as-is
// once validated
type OrderRequest struct {
	Items        []OrderItem `json:"items" validate:"required,min=1,dive"`
	CustomerName string      `json:"customer_name,omitempty"`
	Phone        string      `json:"phone,omitempty"`
	Address      string      `json:"address,omitempty"`
	Delivery     bool        `json:"delivery,omitempty"`
	Notes        string      `json:"notes,omitempty"`

	// filled from the call, not the AI
	DID string `json:"did,omitempty"`
}

func createOrderTool(backend Backend) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "create_order",
			Description: "Place an order for the caller once they have confirmed every item and quantity.",
			Parameters: objectSchema(map[string]interface{}{
				"items": map[string]interface{}{
					"type":        "array",
					"description": "Ordered menu items",
					"items": objectSchema(map[string]interface{}{
						"item_id":  stringProperty("Menu item id"),
						"quantity": map[string]interface{}{"type": "integer", "minimum": 1},
						"notes":    stringProperty("Special requests for this item"),
					}, "item_id", "quantity"),
				},
				"customer_name": stringProperty("Name the order is for"),
				"phone":         stringProperty("Contact number, defaults to the calling number"),
				"address":       stringProperty("Delivery address"),
				"delivery":      map[string]interface{}{"type": "boolean", "description": "True for delivery, false for pickup"},
				"notes":         stringProperty("Notes for the whole order"),
			}, "items"),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			var order OrderRequest
			if err := decodeArguments(call.Name, call.Arguments, &order); err != nil {
				return Result{}, err
			}
			if err := validateArguments(call.Name, &order); err != nil {
				return Result{}, err
			}

			if order.Phone == "" {
				order.Phone = config.NormalizeNumber(call.Caller)
			}
			if call.Profile != nil {
				order.DID = call.Profile.DID
			}

			created, err := backend.CreateOrder(ctx, order)
			if err != nil {
				return Result{}, err
			}
			return Result{Success: true, Message: "order placed", Data: created}, nil
		},
	}
}

func trackOrderTool(backend Backend) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "track_order",
			Description: "Look up the current status of an existing order.",
			Parameters: objectSchema(map[string]interface{}{
				"order_id": stringProperty("Order number given to the caller"),
			}, "order_id"),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			var args struct {
				OrderID string `json:"order_id" validate:"required"`
			}
			if err := decodeArguments(call.Name, call.Arguments, &args); err != nil {
				return Result{}, err
			}
			if err := validateArguments(call.Name, &args); err != nil {
				return Result{}, err
			}

			order, err := backend.GetOrder(ctx, args.OrderID)
			if err != nil {
				return Result{}, err
			}
			return Result{Success: true, Data: order}, nil
		},
	}
}

func lookupCustomerTool(backend Backend) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "lookup_customer",
			Description: "Find the caller's customer record, including saved addresses.",
			Parameters: objectSchema(map[string]interface{}{
				"phone": stringProperty("Phone number, defaults to the calling number"),
			}),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			var args struct {
				Phone string `json:"phone"`
			}
			if err := decodeArguments(call.Name, call.Arguments, &args); err != nil {
				return Result{}, err
			}

			phone := config.NormalizeNumber(args.Phone)
			if phone == "" {
				phone = config.NormalizeNumber(call.Caller)
			}
			if phone == "" {
				return Failure("no phone number to look up"), nil
			}

			customer, err := backend.LookupCustomer(ctx, phone)
			if err != nil {
				return Result{}, err
			}
			return Result{Success: true, Data: customer}, nil
		},
	}
}

func getMenuTool(backend Backend) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "get_menu",
			Description: "Read the current menu with prices.",
			Parameters: objectSchema(map[string]interface{}{
				"category": stringProperty("Optional menu category"),
			}),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			var args struct {
				Category string `json:"category"`
			}
			if err := decodeArguments(call.Name, call.Arguments, &args); err != nil {
				return Result{}, err
			}

			menu, err := backend.GetMenu(ctx, args.Category)
			if err != nil {
				return Result{}, err
			}
			return Result{Success: true, Data: menu}, nil
		},
	}
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
