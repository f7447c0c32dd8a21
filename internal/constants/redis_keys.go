package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// ResumeModulePrefix 简历模块
	ResumeModulePrefix = "resume"
	// QueryModulePrefix 检索模块
	QueryModulePrefix = "query"

	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntityVector 向量实体
	EntityVector = "vector"

	// KeyResumeLock 单份简历入库/删除互斥锁 (STRING)
	// 格式: app:resume:lock:{resumeID}
	KeyResumeLock = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityLock + ":%s"

	// KeyQueryVector JD查询向量缓存 (HASH: vector, model_version)
	// 格式: app:query:vector:{sha256(jd)}
	KeyQueryVector = AppPrefix + ":" + QueryModulePrefix + ":" + EntityVector + ":%s"
)
