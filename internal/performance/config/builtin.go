package config

// ProductScenarioName is the scenario name of the built-in test.
const ProductScenarioName = "products"

// Built-in product API task names.
const (
	TaskListProducts  = "list_products"
	TaskGetProduct    = "get_product"
	TaskCreateProduct = "create_product"
	TaskHealthCheck   = "health_check"
)

// ProductAPIConfig returns the built-in load test against the product API
// at host: users list products, fetch one of the first hundred, create a
// product and probe health, with weights 3, 2, 1 and 1, waiting one to
// three seconds before each task.
func ProductAPIConfig(host string) *TestConfig {
	cfg := &TestConfig{
		Name:        "Product API",
		Description: "Browse, fetch and create products against the product API",
		Settings: GlobalSettings{
			BaseURL: host,
		},
		Scenarios: map[string]*ScenarioConfig{
			ProductScenarioName: {
				Executor:  "constant-vus",
				VUs:       10,
				SpawnRate: 2,
				Duration:  "1m",
				WaitTime:  &WaitTimeConfig{Min: "1s", Max: "3s"},
				Tasks: []TaskConfig{
					{
						Name:   TaskListProducts,
						Weight: 3,
						Method: "GET",
						URL:    "/products",
					},
					{
						Name:   TaskGetProduct,
						Weight: 2,
						Method: "GET",
						URL:    "/products/{{randInt 1 100}}",
					},
					{
						Name:   TaskCreateProduct,
						Weight: 1,
						Method: "POST",
						URL:    "/products",
						Body:   `{"id": {{randInt 1 100}}, "name": "Test", "price": 499}`,
					},
					{
						Name:   TaskHealthCheck,
						Weight: 1,
						Method: "GET",
						URL:    "/health",
					},
				},
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
