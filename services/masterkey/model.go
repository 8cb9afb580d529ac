package masterkey

// AppConfig is the shared key/value configuration table. The master key
// bootstrap relies on its primary-key uniqueness for the first-writer-wins
// upsert.
type AppConfig struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value;not null"`
}

func (AppConfig) TableName() string {
	return "app_config"
}
